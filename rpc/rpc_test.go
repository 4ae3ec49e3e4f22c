package rpc_test

import (
	"testing"

	"github.com/ostinato-go/drone/capture"
	"github.com/ostinato-go/drone/frame"
	"github.com/ostinato-go/drone/rpc"
	"github.com/ostinato-go/drone/streamconfig"
	"github.com/ostinato-go/drone/streamstore"
)

// downPort returns a Port with no capture handles, as capture.Enumerate
// produces when an interface's handle fails to open: every façade
// operation must still treat it as a listed-but-inert port rather than
// panicking.
func downPort(id streamconfig.PortId, name string) *capture.Port {
	return &capture.Port{
		Id:        id,
		Config:    streamconfig.PortConfig{Id: id, Name: name, Enabled: true, Up: false},
		Streams:   streamstore.New(),
		SendQueue: capture.NewSendQueue(),
	}
}

func newTestService() (*rpc.Service, []*capture.Port) {
	ports := []*capture.Port{downPort(0, "eth0"), downPort(1, "eth1")}
	return rpc.New(ports, frame.New(1)), ports
}

func TestListPorts(t *testing.T) {
	svc, ports := newTestService()
	var resp rpc.ListPortsResponse
	if err := svc.ListPorts(&struct{}{}, &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Ports) != len(ports) {
		t.Fatalf("got %d ports, want %d", len(resp.Ports), len(ports))
	}
}

func TestGetPortConfigSkipsInvalidIds(t *testing.T) {
	svc, _ := newTestService()
	var resp rpc.GetPortConfigResponse
	req := &rpc.GetPortConfigRequest{Ids: []streamconfig.PortId{0, 99, 1}}
	if err := svc.GetPortConfig(req, &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Configs) != 2 {
		t.Fatalf("got %d configs, want 2 (invalid id skipped)", len(resp.Configs))
	}
}

func TestAddDeleteModifyStreamLifecycle(t *testing.T) {
	svc, _ := newTestService()

	var addResp rpc.AddStreamResponse
	addReq := &rpc.AddStreamRequest{Port: 0, Ids: []streamconfig.StreamId{1, 2}}
	if err := svc.AddStream(addReq, &addResp); err != nil {
		t.Fatal(err)
	}
	if len(addResp.Added) != 2 {
		t.Fatalf("got %d added, want 2", len(addResp.Added))
	}

	// Re-adding an existing id is skipped silently, not an error.
	var dupResp rpc.AddStreamResponse
	dupReq := &rpc.AddStreamRequest{Port: 0, Ids: []streamconfig.StreamId{1}}
	if err := svc.AddStream(dupReq, &dupResp); err != nil {
		t.Fatal(err)
	}
	if len(dupResp.Added) != 0 {
		t.Fatalf("got %d added for a duplicate id, want 0", len(dupResp.Added))
	}

	var modResp rpc.ModifyStreamResponse
	modReq := &rpc.ModifyStreamRequest{
		Port: 0,
		Patches: []rpc.StreamPatch{{
			Id:     1,
			Config: streamconfig.StreamConfig{FrameLen: 128, LengthMode: streamconfig.LengthFixed},
			Mask:   streamconfig.FieldMask{Core: true},
		}},
	}
	if err := svc.ModifyStream(modReq, &modResp); err != nil {
		t.Fatal(err)
	}
	if len(modResp.Modified) != 1 {
		t.Fatalf("got %d modified, want 1", len(modResp.Modified))
	}

	var getResp rpc.GetStreamConfigResponse
	getReq := &rpc.GetStreamConfigRequest{Port: 0, Ids: []streamconfig.StreamId{1}}
	if err := svc.GetStreamConfig(getReq, &getResp); err != nil {
		t.Fatal(err)
	}
	if len(getResp.Streams) != 1 || getResp.Streams[0].FrameLen != 128 {
		t.Fatalf("modified stream not reflected: %+v", getResp.Streams)
	}

	var delResp rpc.DeleteStreamResponse
	delReq := &rpc.DeleteStreamRequest{Port: 0, Ids: []streamconfig.StreamId{1, 2}}
	if err := svc.DeleteStream(delReq, &delResp); err != nil {
		t.Fatal(err)
	}
	if len(delResp.Deleted) != 2 {
		t.Fatalf("got %d deleted, want 2", len(delResp.Deleted))
	}

	var listResp rpc.ListStreamsResponse
	if err := svc.ListStreams(&rpc.ListStreamsRequest{Port: 0}, &listResp); err != nil {
		t.Fatal(err)
	}
	if len(listResp.Ids) != 0 {
		t.Fatalf("got %d streams after delete, want 0", len(listResp.Ids))
	}
}

func TestInvalidPortIdReportsError(t *testing.T) {
	svc, _ := newTestService()
	var resp rpc.ListStreamsResponse
	if err := svc.ListStreams(&rpc.ListStreamsRequest{Port: 99}, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == "" {
		t.Fatal("expected a coarse failure reason for an invalid port id")
	}
}

func TestStartTxNoOpOnDownPort(t *testing.T) {
	svc, _ := newTestService()
	var resp rpc.TxResponse
	if err := svc.StartTx(&rpc.PortsRequest{Ports: []streamconfig.PortId{0}}, &resp); err != nil {
		t.Fatal(err)
	}
}

func TestClearStatsThenGetStatsIsZero(t *testing.T) {
	svc, ports := newTestService()
	ports[0].RxPkts = 42
	ports[0].RxBytes = 4200

	var clearResp rpc.TxResponse
	if err := svc.ClearStats(&rpc.PortsRequest{Ports: []streamconfig.PortId{0}}, &clearResp); err != nil {
		t.Fatal(err)
	}

	var statsResp rpc.StatsResponse
	if err := svc.GetStats(&rpc.PortsRequest{Ports: []streamconfig.PortId{0}}, &statsResp); err != nil {
		t.Fatal(err)
	}
	st := statsResp.Stats[0]
	if st.RxPkts != 0 || st.RxBytes != 0 {
		t.Fatalf("stats after clear = %+v, want all zero", st)
	}

	ports[0].RxPkts += 10
	if err := svc.GetStats(&rpc.PortsRequest{Ports: []streamconfig.PortId{0}}, &statsResp); err != nil {
		t.Fatal(err)
	}
	if statsResp.Stats[0].RxPkts != 10 {
		t.Fatalf("RxPkts after new traffic = %d, want 10", statsResp.Stats[0].RxPkts)
	}
}

func TestCaptureOperationsReportNotImplemented(t *testing.T) {
	svc, _ := newTestService()
	var resp rpc.CaptureResponse
	if err := svc.StartCapture(&rpc.PortsRequest{}, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != "not implemented" {
		t.Fatalf("StartCapture.Error = %q, want %q", resp.Error, "not implemented")
	}
}
