package shim

import (
	"net"
	"testing"
	"time"

	"github.com/edgevm/vmnet/pkg/control"
	"github.com/edgevm/vmnet/pkg/netstack"
	"github.com/edgevm/vmnet/pkg/sharedmem"
	"github.com/edgevm/vmnet/pkg/wire"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	testGuestMAC   = net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	testGatewayMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
)

func syncGuestSynFrame(t *testing.T, key netstack.FlowKey, guestISN uint32) []byte {
	t.Helper()
	tcp := &layers.TCP{SrcPort: layers.TCPPort(key.SrcPort), DstPort: layers.TCPPort(key.DstPort), Seq: guestISN, SYN: true, Window: netstack.AdvertisedWindow}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: key.SrcAddr(), DstIP: key.DstAddr()}
	tcp.SetNetworkLayerForChecksum(ip)
	eth := &layers.Ethernet{SrcMAC: testGuestMAC, DstMAC: testGatewayMAC, EthernetType: layers.EthernetTypeIPv4}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return wire.EncodeFrame(buf.Bytes())
}

func newTestShim(t *testing.T) (*Shim, *sharedmem.Region, *netstack.Stack) {
	t.Helper()
	region := sharedmem.NewRegion()
	out := control.NewChannel(16)
	stack := netstack.NewStack(netstack.Config{GuestMAC: testGuestMAC, GatewayMAC: testGatewayMAC}, out)
	s := New(region, stack, Callbacks{})
	return s, region, stack
}

func TestAccept_SucceedsOnceThenWouldBlock(t *testing.T) {
	s, _, _ := newTestShim(t)
	fd, err := s.Accept()
	if err != nil || fd != FDNet {
		t.Fatalf("first accept: fd=%d err=%v", fd, err)
	}
	if _, err := s.Accept(); err != errWouldBlock {
		t.Fatalf("second accept should would-block, got %v", err)
	}
}

func TestRead_Stdin_BlocksUntilDataArrives(t *testing.T) {
	s, region, _ := newTestShim(t)
	done := make(chan struct{})
	go func() {
		time.Sleep(5 * time.Millisecond)
		region.WriteStdin([]byte("hi"))
	}()
	go func() {
		buf := make([]byte, 16)
		n, err := s.Read(FDStdin, buf)
		if err != nil || string(buf[:n]) != "hi" {
			t.Errorf("unexpected stdin read: n=%d err=%v", n, err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stdin read never unblocked")
	}
}

func TestWrite_Stdout_InvokesCallback(t *testing.T) {
	region := sharedmem.NewRegion()
	out := control.NewChannel(16)
	stack := netstack.NewStack(netstack.Config{GuestMAC: testGuestMAC, GatewayMAC: testGatewayMAC}, out)
	var got []byte
	s := New(region, stack, Callbacks{Stdout: func(b []byte) { got = b }})

	n, err := s.Write(FDStdout, []byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("write stdout: n=%d err=%v", n, err)
	}
	if string(got) != "hello" {
		t.Fatalf("callback did not receive bytes: %q", got)
	}
}

func TestPoll_FD3ReadableUntilAccepted(t *testing.T) {
	s, _, _ := newTestShim(t)
	ready := s.Poll([]PollSub{{FD: FDListen, Dir: PollRead}}, 0)
	if len(ready) != 1 {
		t.Fatalf("expected fd 3 ready before accept, got %v", ready)
	}
	s.Accept()
	ready = s.Poll([]PollSub{{FD: FDListen, Dir: PollRead}}, 0)
	if len(ready) != 0 {
		t.Fatalf("expected fd 3 not ready after accept, got %v", ready)
	}
}

func TestPoll_FD4WritableAlways(t *testing.T) {
	s, _, _ := newTestShim(t)
	ready := s.Poll([]PollSub{{FD: FDNet, Dir: PollWrite}}, 0)
	if len(ready) != 1 {
		t.Fatalf("expected fd 4 always writable, got %v", ready)
	}
}

func TestPoll_WaitsForRingRecordWithinTimeout(t *testing.T) {
	s, region, _ := newTestShim(t)
	key := netstack.NewFlowKey(netstack.ProtoTCP, netstack.GuestIP, 54321, net.IPv4(93, 184, 216, 34), 80)

	n, err := s.Write(FDNet, syncGuestSynFrame(t, key, 1000))
	if err != nil || n == 0 {
		t.Fatalf("write guest SYN: n=%d err=%v", n, err)
	}

	ready := s.Poll([]PollSub{{FD: FDNet, Dir: PollRead}}, 0)
	if len(ready) != 0 {
		t.Fatalf("expected fd 4 not yet readable before TCP_CONNECTED, got %v", ready)
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		region.WriteMessage(wire.TCPConnected, wire.EncodeKeyOnly(key.String()))
	}()
	ready = s.Poll([]PollSub{{FD: FDNet, Dir: PollRead}}, 200*time.Millisecond)
	if len(ready) != 1 {
		t.Fatal("expected fd 4 readable once the SYN-ACK is queued for the guest")
	}
}

func TestPoll_TimesOutWhenNothingReady(t *testing.T) {
	s, _, _ := newTestShim(t)
	s.Accept()
	start := time.Now()
	ready := s.Poll([]PollSub{{FD: FDListen, Dir: PollRead}}, 30*time.Millisecond)
	if len(ready) != 0 {
		t.Fatalf("expected no readiness, got %v", ready)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatal("poll returned suspiciously early")
	}
}
