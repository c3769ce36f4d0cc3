package bms

import (
	"context"
	"errors"
	"testing"
	"time"
)

// newBmsAdapter returns a mock adapter whose connections expose the
// standard BMS characteristics. When respond is true, every status query
// written to the device is answered with a two-fragment status response.
func newBmsAdapter(respond bool) *mockAdapter {
	return newMockAdapter(func(c *mockConnection) {
		chars := bmsChars()
		c.chars = chars
		notify, write := chars[0], chars[1]
		if respond {
			write.onWrite = func(data []byte) {
				if len(data) == CommandLength && data[4] == CmdQueryStatus {
					frame := makeStatusFrame()
					notify.SimulateNotification(frame[:40])
					notify.SimulateNotification(frame[40:])
				}
			}
		}
	})
}

func newTestSession(adapter *mockAdapter, onUpdate func(Reading)) *Session {
	opts := DefaultSessionOptions()
	opts.ResponseTimeout = 100 * time.Millisecond
	opts.OnUpdate = onUpdate
	return NewSession(adapter, testEndpoint(), opts)
}

func TestPollReturnsLiveReading(t *testing.T) {
	adapter := newBmsAdapter(true)
	var published []Reading
	session := newTestSession(adapter, func(r Reading) { published = append(published, r) })

	reading := session.Poll(context.Background())

	if !reading.Online {
		t.Fatal("Poll() reading offline, want online")
	}
	if got := *reading.TotalVoltage; got != 52.3 {
		t.Errorf("TotalVoltage = %v, want 52.3", got)
	}
	if session.MissedUpdates() != 0 {
		t.Errorf("MissedUpdates() = %d, want 0", session.MissedUpdates())
	}
	if len(published) != 1 || !published[0].Online {
		t.Errorf("published %d readings, want 1 online reading", len(published))
	}
}

func TestPollUnreachableDeviceGoesOffline(t *testing.T) {
	adapter := newBmsAdapter(true)
	adapter.setResolvable(false)
	session := newTestSession(adapter, nil)

	for i := 1; i <= 2; i++ {
		reading := session.Poll(context.Background())
		if reading.Online {
			t.Fatalf("Poll() %d online for unreachable device", i)
		}
		if session.MissedUpdates() != i {
			t.Errorf("MissedUpdates() = %d, want %d", session.MissedUpdates(), i)
		}
	}

	// The device comes back into range: next cycle recovers and the
	// consecutive-failure counter resets.
	adapter.setResolvable(true)
	if reading := session.Poll(context.Background()); !reading.Online {
		t.Fatal("Poll() offline after device became reachable")
	}
	if session.MissedUpdates() != 0 {
		t.Errorf("MissedUpdates() = %d after recovery, want 0", session.MissedUpdates())
	}
}

func TestPollTimeoutKeepsLink(t *testing.T) {
	adapter := newBmsAdapter(false) // device never answers
	session := newTestSession(adapter, nil)

	reading := session.Poll(context.Background())
	if reading.Online {
		t.Fatal("Poll() online despite response timeout")
	}
	if session.MissedUpdates() != 1 {
		t.Errorf("MissedUpdates() = %d, want 1", session.MissedUpdates())
	}

	// The link stays up across a timeout: the next cycle reuses it
	// instead of reconnecting.
	session.Poll(context.Background())
	if adapter.connectCount() != 1 {
		t.Errorf("connect calls = %d, want 1 (timeout must not drop the link)", adapter.connectCount())
	}
	if session.MissedUpdates() != 2 {
		t.Errorf("MissedUpdates() = %d, want 2", session.MissedUpdates())
	}
}

func TestPollWriteFailureInvalidatesLink(t *testing.T) {
	adapter := newBmsAdapter(true)
	session := newTestSession(adapter, nil)

	// Establish the link, then make the next write fail.
	if reading := session.Poll(context.Background()); !reading.Online {
		t.Fatal("initial Poll() offline")
	}
	conn := adapter.latestConnection()
	conn.findChar(WriteCharUUID).setWriteErr(errors.New("att write failed"))

	reading := session.Poll(context.Background())
	if reading.Online {
		t.Fatal("Poll() online despite write failure")
	}
	if !conn.wasDisconnected() {
		t.Error("write failure did not tear down the link")
	}
	if session.MissedUpdates() != 1 {
		t.Errorf("MissedUpdates() = %d, want 1", session.MissedUpdates())
	}

	// Next cycle negotiates a fresh connection and recovers.
	if reading := session.Poll(context.Background()); !reading.Online {
		t.Fatal("Poll() offline after reconnect")
	}
	if adapter.connectCount() != 2 {
		t.Errorf("connect calls = %d, want 2 (write failure must force reconnect)", adapter.connectCount())
	}
}

func TestPollResetsStaleFragments(t *testing.T) {
	adapter := newBmsAdapter(true)
	session := newTestSession(adapter, nil)

	if reading := session.Poll(context.Background()); !reading.Online {
		t.Fatal("initial Poll() offline")
	}

	// A stray partial response arrives between cycles. The next query
	// must reset the buffer, so the fresh two-fragment response still
	// reassembles to exactly one frame.
	notify := adapter.latestConnection().findChar(NotifyCharUUID)
	notify.SimulateNotification(makeStatusFrame()[:40])

	reading := session.Poll(context.Background())
	if !reading.Online {
		t.Fatal("Poll() offline after stray fragment")
	}
	if got := *reading.TotalVoltage; got != 52.3 {
		t.Errorf("TotalVoltage = %v, want 52.3 (stale fragment contaminated the frame)", got)
	}
}

func TestPollBoundsLinkEstablishment(t *testing.T) {
	// An out-of-range device makes the resolution scan hang until its
	// context expires. The session must bound that phase itself, even
	// when the caller polls with a plain background context.
	adapter := newBmsAdapter(true)
	adapter.resolveHangs = true

	opts := DefaultSessionOptions()
	opts.LinkTimeout = 50 * time.Millisecond
	session := NewSession(adapter, testEndpoint(), opts)

	start := time.Now()
	reading := session.Poll(context.Background())
	elapsed := time.Since(start)

	if reading.Online {
		t.Fatal("Poll() online while the device never resolved")
	}
	if session.MissedUpdates() != 1 {
		t.Errorf("MissedUpdates() = %d, want 1", session.MissedUpdates())
	}
	if elapsed > 5*time.Second {
		t.Fatalf("Poll() took %v, link establishment is not bounded", elapsed)
	}

	// Command operations share the same bound.
	start = time.Now()
	session.SetRelayState(context.Background(), RelayCharge, true)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("SetRelayState() took %v, link establishment is not bounded", elapsed)
	}
	if adapter.connectCount() != 0 {
		t.Errorf("connect calls = %d, want 0", adapter.connectCount())
	}
}

func TestSetConnectionEnabledFalse(t *testing.T) {
	adapter := newBmsAdapter(true)
	var published []Reading
	session := newTestSession(adapter, func(r Reading) { published = append(published, r) })

	if reading := session.Poll(context.Background()); !reading.Online {
		t.Fatal("initial Poll() offline")
	}
	conn := adapter.latestConnection()

	session.SetConnectionEnabled(context.Background(), false)

	// Disabling publishes an offline reading immediately, regardless of
	// cycle timing.
	last := published[len(published)-1]
	if last.Online {
		t.Error("reading published on disable is online, want offline")
	}
	if last.TotalVoltage != nil {
		t.Error("offline reading carries a total voltage")
	}
	if !conn.wasDisconnected() {
		t.Error("disable did not disconnect the link")
	}

	// Polls while disabled never touch the transport.
	before := adapter.connectCount()
	if reading := session.Poll(context.Background()); reading.Online {
		t.Error("Poll() online while connection disabled")
	}
	if adapter.connectCount() != before {
		t.Error("Poll() attempted a connection while disabled")
	}
}

func TestSetConnectionEnabledTrueRefreshesImmediately(t *testing.T) {
	adapter := newBmsAdapter(true)
	var published []Reading
	session := newTestSession(adapter, func(r Reading) { published = append(published, r) })

	session.SetConnectionEnabled(context.Background(), false)
	for i := 0; i < 3; i++ {
		session.Poll(context.Background())
	}

	session.SetConnectionEnabled(context.Background(), true)

	if session.MissedUpdates() != 0 {
		t.Errorf("MissedUpdates() = %d after enable, want 0", session.MissedUpdates())
	}
	last := published[len(published)-1]
	if !last.Online {
		t.Error("enable did not trigger an immediate live refresh")
	}
}

func TestSetRelayStateSendsCommandAndRefreshes(t *testing.T) {
	adapter := newBmsAdapter(true)
	var published []Reading
	session := newTestSession(adapter, func(r Reading) { published = append(published, r) })

	session.SetRelayState(context.Background(), RelayCharge, false)

	writes := adapter.latestConnection().findChar(WriteCharUUID).Writes()
	if len(writes) != 2 {
		t.Fatalf("writes = %d, want 2 (relay command + refresh query)", len(writes))
	}
	if got := writes[0][4]; got != CmdChargeOff {
		t.Errorf("first write opcode = 0x%02X, want 0x%02X", got, byte(CmdChargeOff))
	}
	if got := writes[1][4]; got != CmdQueryStatus {
		t.Errorf("second write opcode = 0x%02X, want 0x%02X", got, byte(CmdQueryStatus))
	}
	if len(published) == 0 || !published[len(published)-1].Online {
		t.Error("relay command did not publish a refreshed reading")
	}
}

func TestSetRelayStateUnreachableIsDropped(t *testing.T) {
	adapter := newBmsAdapter(true)
	adapter.setResolvable(false)
	session := newTestSession(adapter, nil)

	// Must log and return without effect, never panic or propagate.
	session.SetRelayState(context.Background(), RelayDischarge, true)

	if adapter.connectCount() != 0 {
		t.Errorf("connect calls = %d, want 0", adapter.connectCount())
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	adapter := newBmsAdapter(true)
	session := newTestSession(adapter, nil)

	if reading := session.Poll(context.Background()); !reading.Online {
		t.Fatal("initial Poll() offline")
	}

	session.Shutdown()
	session.Shutdown()

	if !adapter.latestConnection().wasDisconnected() {
		t.Error("Shutdown() did not disconnect")
	}
}

func TestPollCancelledContext(t *testing.T) {
	adapter := newBmsAdapter(false)
	session := newTestSession(adapter, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// An already-cancelled context degrades to an offline reading like
	// any other miss; nothing propagates.
	reading := session.Poll(ctx)
	if reading.Online {
		t.Error("Poll() online with cancelled context")
	}
	if session.MissedUpdates() == 0 {
		t.Error("cancelled cycle did not count as a miss")
	}
}
