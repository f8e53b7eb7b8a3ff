/*
GORC is a game object replication engine. Game state is replicated from a
server-side world to observers over four fixed channels with distinct
priority, cadence and compression behavior: Critical, Detailed, Cosmetic and
Metadata. Each object type binds a subset of its properties and a radius to
each channel it uses, so nearby observers receive rich state while distant
ones receive only coarse state.

Subscriptions

Which observer receives which object on which channel is decided every tick
by the subscription manager. Proximity with asymmetric hysteresis is the
baseline rule; relationships (teammates, guild members, friends) force
subscriptions regardless of distance, and per-category interest scores can
promote or demote an observer one channel beyond or below what proximity
grants. Critical is exempt from interest demotion.

Encoding

Packets are encoded in full, delta or quantized mode. Delta packets are
diffed against the last state the observer acknowledged, so a lost packet
never stalls the stream; a periodic resync bounds divergence with a forced
full snapshot. Full and quantized packets carry no per-observer state and are
shared across a multicast group.

Running a world

	transport := mytransport.New()

	w, err := gorc.NewWorldWithConfig(config.Default(), transport)
	if err != nil {
		log.Fatal(err)
	}
	w.RegisterType("avatar", "combat", []gorc.Layer{
		{Channel: gorc.Critical, Radius: 50, Properties: common.NewStringSet("pos", "hp")},
		{Channel: gorc.Cosmetic, Radius: 400, Properties: common.NewStringSet("skin")},
	})
	w.AddObserver(1, gorc.Position{})
	w.AddObject(100, "avatar", gorc.Position{X: 40}, gorc.Properties{"pos": 40.0, "hp": 100})
	w.Start()
	defer w.Stop()

The transport decides delivery: implementations that support multicast get
one packet per group, others get a per-recipient fan-out.
*/
package gorc
