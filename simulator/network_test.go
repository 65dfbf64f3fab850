package simulator

import "testing"

func TestLinkNetworkSingleMessage(t *testing.T) {
	loop := NewEventLoop()
	network := &LinkNetwork{Latency: 3.0, Rate: 2.0}
	port1 := NewPort(loop)
	port2 := NewPort(loop)

	loop.Go(func(h *Handle) {
		network.Send(h, &Message{
			Source:  port1,
			Dest:    port2,
			Payload: "hi port 2",
			Size:    124.0,
		})
		if val := port1.Recv(h).Payload; val != "hi port 1" {
			t.Errorf("unexpected message: %s", val)
		}
	})
	loop.Go(func(h *Handle) {
		network.Send(h, &Message{
			Source:  port2,
			Dest:    port1,
			Payload: "hi port 1",
			Size:    124.0,
		})
		if val := port2.Recv(h).Payload; val != "hi port 2" {
			t.Errorf("unexpected message: %s", val)
		}
	})

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}

	expectedTime := 3.0 + 124.0/2.0
	if loop.Time() != expectedTime {
		t.Errorf("time should be %f but got %f", expectedTime, loop.Time())
	}
}

func TestLinkNetworkOrdering(t *testing.T) {
	loop := NewEventLoop()
	network := &LinkNetwork{Latency: 0.5, Rate: 8.0}
	src := NewPort(loop)
	dst := NewPort(loop)

	loop.Go(func(h *Handle) {
		// Equal sizes sent at distinct times keep send order.
		for i := 0; i < 3; i++ {
			network.Send(h, &Message{Source: src, Dest: dst, Payload: i, Size: 16.0})
			h.Sleep(10.0)
		}
	})
	loop.Go(func(h *Handle) {
		for i := 0; i < 3; i++ {
			if val := dst.Recv(h).Payload; val != i {
				t.Errorf("message %d arrived as %v", i, val)
			}
		}
	})

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
}

func TestRandomNetworkDelivers(t *testing.T) {
	loop := NewEventLoop()
	network := RandomNetwork{}
	src := NewPort(loop)
	dst := NewPort(loop)

	const count = 10
	loop.Go(func(h *Handle) {
		for i := 0; i < count; i++ {
			network.Send(h, &Message{Source: src, Dest: dst, Payload: i, Size: 1.0})
		}
	})
	got := map[interface{}]bool{}
	loop.Go(func(h *Handle) {
		for i := 0; i < count; i++ {
			got[dst.Recv(h).Payload] = true
		}
	})

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	if len(got) != count {
		t.Errorf("expected %d distinct messages but got %d", count, len(got))
	}
}
