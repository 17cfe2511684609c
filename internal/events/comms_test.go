package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"

	"github.com/h1v3-io/courier/pkg/protocol"
)

// startTestServer starts an in-process NATS server on a random port.
func startTestServer(t *testing.T) *commsserver.Server {
	t.Helper()
	ns, err := commsserver.NewServer(&commsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("server failed to start")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

func TestCommsPublisher_PublishesOnOutcomeSubject(t *testing.T) {
	ns := startTestServer(t)
	nc, err := Connect(ns.ClientURL(), "courier-test", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	received := make(chan *comms.Msg, 4)
	sub, err := nc.ChanSubscribe("courier.delivery.>", received)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	pub := NewCommsPublisher(nc, "", nil)
	target := protocol.Point{X: -1800, Y: 500}
	ev := DeliveryEvent{
		MessageID: "m-42",
		Recipient: "Agent-5",
		Outcome:   protocol.OutcomeFailed,
		Attempts:  3,
		Target:    &target,
		Error:     "window not responding",
		ErrorKind: "transient",
		Timestamp: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := pub.PublishDelivery(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	nc.Flush()

	select {
	case msg := <-received:
		if msg.Subject != "courier.delivery.failed.Agent-5" {
			t.Errorf("subject = %q", msg.Subject)
		}
		var got DeliveryEvent
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatal(err)
		}
		if got.MessageID != "m-42" || got.Attempts != 3 || got.Target == nil || got.Target.X != -1800 {
			t.Errorf("event = %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for delivery event")
	}
}

func TestCommsPublisher_CustomPrefix(t *testing.T) {
	ns := startTestServer(t)
	nc, err := comms.Connect(ns.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	sub, err := nc.SubscribeSync("swarm.events.delivered.*")
	if err != nil {
		t.Fatal(err)
	}
	pub := NewCommsPublisher(nc, "swarm.events", nil)
	if err := pub.PublishDelivery(context.Background(), DeliveryEvent{MessageID: "x", Recipient: "Agent-1", Outcome: protocol.OutcomeDelivered}); err != nil {
		t.Fatal(err)
	}
	msg, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	if msg.Subject != "swarm.events.delivered.Agent-1" {
		t.Errorf("subject = %q", msg.Subject)
	}
}

func TestCommsPublisher_ClosedConnection(t *testing.T) {
	ns := startTestServer(t)
	nc, err := comms.Connect(ns.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	nc.Close()

	pub := NewCommsPublisher(nc, "", nil)
	if err := pub.PublishDelivery(context.Background(), DeliveryEvent{MessageID: "x", Recipient: "a"}); err == nil {
		t.Fatal("expected error publishing on a closed connection")
	}
}
