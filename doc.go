// Package zsock provides ZeroMQ-style messaging sockets over TCP and IPC streams,
// plus devices that relay traffic between a frontend and a backend socket.
//
// # Architecture
//
// A Context owns every socket created through it and a single Poller goroutine:
//   - Publisher fans out to subscribers whose subscriptions match the first frame
//   - Subscriber filters by prefix and forwards its subscriptions upstream
//   - Push load-balances round-robin over connected peers
//   - Pull fair-queues round-robin across peers
//
// All peer state (peer maps, subscription sets, round-robin cursors) is owned by
// the Poller goroutine. Application goroutines hand work to it through a queue,
// and each connection has its own read and write pumps feeding bounded queues.
//
// # Quick Start
//
// Publisher and subscriber:
//
//	ctx := zsock.NewContext(zsock.ContextConfig{})
//	defer ctx.Close()
//
//	pub, _ := ctx.NewPublisher(zsock.SocketConfig{})
//	_ = pub.Bind("tcp://127.0.0.1:5556")
//
//	sub, _ := ctx.NewSubscriber(zsock.SocketConfig{})
//	_ = sub.Connect("tcp://127.0.0.1:5556")
//	_ = sub.Subscribe([]byte("weather"))
//
//	_ = pub.SendStrings("weather", "sunny")
//	msg, err := sub.Receive()
//
// Streamer device (PULL frontend, PUSH backend):
//
//	device, err := zsock.NewStreamerDevice(ctx, "tcp://*:5557", "tcp://*:5558", zsock.DeviceConfig{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := device.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer device.Stop()
//
// Forwarder device (SUB frontend, PUB backend):
//
//	device, _ := zsock.NewForwarderDevice(ctx, "tcp://*:5559", "tcp://*:5560", zsock.DeviceConfig{})
//	device.FrontendSetup().Subscribe([]byte("weather"))
//	_ = device.Start()
package zsock

// Version is the current library version
const Version = "1.0.0"

// ProtocolVersion is the major wire protocol version exchanged in the greeting
const ProtocolVersion = 1
