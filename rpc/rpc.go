// Package rpc implements the control-plane service façade: listPorts,
// get/list/add/delete/modify on streams, startTx/stopTx, getStats/
// clearStats, and the three capture operations that are permanently
// unimplemented. Every method here is also an exported net/rpc method
// (see server.go for the transport), so its signature is constrained to
// net/rpc's (args, *reply) error shape rather than a more natural Go API;
// the wire serialization of these arguments is intentionally left to
// net/rpc's own gob codec rather than a bespoke format.
package rpc

import (
	"context"
	"sync/atomic"

	"github.com/ostinato-go/drone/capture"
	"github.com/ostinato-go/drone/frame"
	"github.com/ostinato-go/drone/metrics"
	"github.com/ostinato-go/drone/streamconfig"
	"github.com/ostinato-go/drone/txengine"
)

// Service is the façade's receiver: the fixed, at-construction-time
// inventory of ports, plus the synthesizer every port's transmit engine
// shares. It has no mutable state of its own — every mutation lands on a
// port's streamstore.Store or capture.Port counters, which own their own
// synchronization.
type Service struct {
	ports []*capture.Port
	synth *frame.Synthesizer
}

// New returns a Service façade over ports, synthesizing packets with synth.
func New(ports []*capture.Port, synth *frame.Synthesizer) *Service {
	return &Service{ports: ports, synth: synth}
}

func (s *Service) port(id streamconfig.PortId) (*capture.Port, bool) {
	if id < 0 || int(id) >= len(s.ports) {
		return nil, false
	}
	return s.ports[id], true
}

func observe(method string, reason string) {
	outcome := "ok"
	if reason != "" {
		outcome = "error"
	}
	metrics.RPCCount.WithLabelValues(method, outcome).Inc()
}

// ListPortsResponse carries every configured PortId.
type ListPortsResponse struct {
	Ports []streamconfig.PortId
}

// ListPorts returns every PortId in the inventory.
func (s *Service) ListPorts(_ *struct{}, resp *ListPortsResponse) error {
	resp.Ports = make([]streamconfig.PortId, len(s.ports))
	for i, p := range s.ports {
		resp.Ports[i] = p.Id
	}
	observe("ListPorts", "")
	return nil
}

// GetPortConfigRequest names the ports to describe.
type GetPortConfigRequest struct {
	Ids []streamconfig.PortId
}

// GetPortConfigResponse carries one PortConfig per valid requested id.
type GetPortConfigResponse struct {
	Configs []streamconfig.PortConfig
}

// GetPortConfig returns the PortConfig for each valid id in req, skipping
// invalid ones rather than failing the whole batch.
func (s *Service) GetPortConfig(req *GetPortConfigRequest, resp *GetPortConfigResponse) error {
	for _, id := range req.Ids {
		if p, ok := s.port(id); ok {
			resp.Configs = append(resp.Configs, p.Config)
		}
	}
	observe("GetPortConfig", "")
	return nil
}

// ListStreamsRequest names the port whose streams should be listed.
type ListStreamsRequest struct {
	Port streamconfig.PortId
}

// ListStreamsResponse carries the port's StreamIds in ascending Ordinal
// order (the order of streamstore.Store.Ordered), plus a
// coarse failure reason if Port was invalid.
type ListStreamsResponse struct {
	Ids   []streamconfig.StreamId
	Error string
}

// ListStreams returns the StreamIds configured on req.Port.
func (s *Service) ListStreams(req *ListStreamsRequest, resp *ListStreamsResponse) error {
	p, ok := s.port(req.Port)
	if !ok {
		resp.Error = "invalid port id"
		observe("ListStreams", resp.Error)
		return nil
	}
	for _, cfg := range p.Streams.Ordered() {
		resp.Ids = append(resp.Ids, cfg.Id)
	}
	observe("ListStreams", "")
	return nil
}

// GetStreamConfigRequest names the port and the streams to describe.
type GetStreamConfigRequest struct {
	Port streamconfig.PortId
	Ids  []streamconfig.StreamId
}

// GetStreamConfigResponse carries one StreamConfig per existing requested
// id, plus a coarse failure reason if Port was invalid.
type GetStreamConfigResponse struct {
	Streams []streamconfig.StreamConfig
	Error   string
}

// GetStreamConfig returns the StreamConfig for each existing id on
// req.Port, skipping missing ones.
func (s *Service) GetStreamConfig(req *GetStreamConfigRequest, resp *GetStreamConfigResponse) error {
	p, ok := s.port(req.Port)
	if !ok {
		resp.Error = "invalid port id"
		observe("GetStreamConfig", resp.Error)
		return nil
	}
	for _, id := range req.Ids {
		if cfg, ok := p.Streams.Get(id); ok {
			resp.Streams = append(resp.Streams, *cfg)
		}
	}
	observe("GetStreamConfig", "")
	return nil
}

// AddStreamRequest names the port and the new StreamIds to create with
// default configuration.
type AddStreamRequest struct {
	Port streamconfig.PortId
	Ids  []streamconfig.StreamId
}

// AddStreamResponse carries the ids actually added (ids that already
// exist are skipped silently) and a coarse failure reason if Port was
// invalid.
type AddStreamResponse struct {
	Added []streamconfig.StreamId
	Error string
}

// defaultStream returns a minimal, disabled-by-default StreamConfig for a
// newly added id — ordinal equal to the id so newly added streams sort
// after whatever already exists when ids are assigned in increasing order.
func defaultStream(id streamconfig.StreamId) *streamconfig.StreamConfig {
	return &streamconfig.StreamConfig{
		Id:         id,
		Ordinal:    int(id),
		Enabled:    false,
		LengthMode: streamconfig.LengthFixed,
		FrameLen:   64,
		FrameType:  streamconfig.FrameEth2,
		Control: streamconfig.Control{
			Unit:            streamconfig.UnitPackets,
			NumPackets:      1,
			NumBursts:       1,
			PacketsPerBurst: 1,
		},
	}
}

// AddStream appends a default-configured stream for each requested id that
// does not already exist on req.Port, and marks the port dirty.
func (s *Service) AddStream(req *AddStreamRequest, resp *AddStreamResponse) error {
	p, ok := s.port(req.Port)
	if !ok {
		resp.Error = "invalid port id"
		observe("AddStream", resp.Error)
		return nil
	}
	for _, id := range req.Ids {
		if p.Streams.Add(defaultStream(id)) {
			resp.Added = append(resp.Added, id)
		}
	}
	metrics.StreamCount.WithLabelValues(p.Config.Name).Set(float64(len(p.Streams.Ids())))
	observe("AddStream", "")
	return nil
}

// DeleteStreamRequest names the port and the streams to remove.
type DeleteStreamRequest struct {
	Port streamconfig.PortId
	Ids  []streamconfig.StreamId
}

// DeleteStreamResponse carries the ids actually removed and a coarse
// failure reason if Port was invalid.
type DeleteStreamResponse struct {
	Deleted []streamconfig.StreamId
	Error   string
}

// DeleteStream removes each existing requested stream from req.Port and
// marks the port dirty; absent ids are skipped silently.
func (s *Service) DeleteStream(req *DeleteStreamRequest, resp *DeleteStreamResponse) error {
	p, ok := s.port(req.Port)
	if !ok {
		resp.Error = "invalid port id"
		observe("DeleteStream", resp.Error)
		return nil
	}
	for _, id := range req.Ids {
		if p.Streams.Delete(id) {
			resp.Deleted = append(resp.Deleted, id)
		}
	}
	metrics.StreamCount.WithLabelValues(p.Config.Name).Set(float64(len(p.Streams.Ids())))
	observe("DeleteStream", "")
	return nil
}

// StreamPatch carries one stream's replacement fields and the FieldMask
// naming which groups of Config should overwrite the existing entry — the
// wire-level stand-in for "the caller supplies a mask describing which
// top-level groups of src are present" (streamconfig.StreamConfig.Merge).
type StreamPatch struct {
	Id     streamconfig.StreamId
	Config streamconfig.StreamConfig
	Mask   streamconfig.FieldMask
}

// ModifyStreamRequest names the port and the patches to apply.
type ModifyStreamRequest struct {
	Port    streamconfig.PortId
	Patches []StreamPatch
}

// ModifyStreamResponse carries the ids actually modified and a coarse
// failure reason if Port was invalid.
type ModifyStreamResponse struct {
	Modified []streamconfig.StreamId
	Error    string
}

// ModifyStream deep-merges each patch into the existing stream with the
// same id on req.Port, leaving fields outside the patch's mask unchanged,
// and marks the port dirty; missing ids are skipped silently.
func (s *Service) ModifyStream(req *ModifyStreamRequest, resp *ModifyStreamResponse) error {
	p, ok := s.port(req.Port)
	if !ok {
		resp.Error = "invalid port id"
		observe("ModifyStream", resp.Error)
		return nil
	}
	for _, patch := range req.Patches {
		cfg := patch.Config
		if p.Streams.Modify(patch.Id, &cfg, patch.Mask) {
			resp.Modified = append(resp.Modified, patch.Id)
		}
	}
	observe("ModifyStream", "")
	return nil
}

// PortsRequest names the ports an operation should apply to; StartTx,
// StopTx, GetStats, and ClearStats all share this shape.
type PortsRequest struct {
	Ports []streamconfig.PortId
}

// TxResponse carries a coarse failure reason. StartTx, StopTx and
// ClearStats skip invalid port ids without reporting them and never set
// Error, even when every requested id is invalid.
type TxResponse struct {
	Error string
}

// StartTx rebuilds the send queue (if dirty) and submits it for each
// valid requested port.
func (s *Service) StartTx(req *PortsRequest, resp *TxResponse) error {
	ctx := context.Background()
	for _, id := range req.Ports {
		p, ok := s.port(id)
		if !ok {
			continue
		}
		if p.Rx == nil || p.Tx == nil {
			// The port is listed but its handle failed to open; transmit
			// attempts on it are no-ops.
			continue
		}
		if p.Streams.Dirty() {
			if err := txengine.Update(ctx, p, p.Streams, s.synth); err != nil {
				continue
			}
		}
		if err := txengine.StartTransmit(p); err != nil {
			metrics.ErrorCount.WithLabelValues("starttx").Inc()
		}
	}
	observe("StartTx", "")
	return nil
}

// StopTx stops transmission on each valid requested port. StopTransmit
// itself is a deliberate no-op hook; this method exists so the façade
// exposes it for callers that expect the symmetric operation.
func (s *Service) StopTx(req *PortsRequest, resp *TxResponse) error {
	for _, id := range req.Ports {
		if p, ok := s.port(id); ok {
			_ = txengine.StopTransmit(p)
		}
	}
	observe("StopTx", "")
	return nil
}

// StatsResponse carries one current-minus-epoch Stats snapshot per valid
// requested port.
type StatsResponse struct {
	Stats map[streamconfig.PortId]streamconfig.Stats
}

// GetStats returns (current - epoch) counters and instantaneous rates for
// each valid requested port.
func (s *Service) GetStats(req *PortsRequest, resp *StatsResponse) error {
	resp.Stats = make(map[streamconfig.PortId]streamconfig.Stats, len(req.Ports))
	for _, id := range req.Ports {
		p, ok := s.port(id)
		if !ok {
			continue
		}
		resp.Stats[id] = snapshot(p)
	}
	observe("GetStats", "")
	return nil
}

func snapshot(p *capture.Port) streamconfig.Stats {
	return streamconfig.Stats{
		RxPkts:     atomic.LoadUint64(&p.RxPkts) - atomic.LoadUint64(&p.EpochRxPkts),
		RxBytes:    atomic.LoadUint64(&p.RxBytes) - atomic.LoadUint64(&p.EpochRxBytes),
		RxPktsNIC:  atomic.LoadUint64(&p.RxPktsNIC),
		RxBytesNIC: atomic.LoadUint64(&p.RxBytesNIC),
		RxPPS:      p.RxPPS,
		RxBPS:      p.RxBPS,

		TxPkts:     atomic.LoadUint64(&p.TxPkts) - atomic.LoadUint64(&p.EpochTxPkts),
		TxBytes:    atomic.LoadUint64(&p.TxBytes) - atomic.LoadUint64(&p.EpochTxBytes),
		TxPktsNIC:  atomic.LoadUint64(&p.TxPktsNIC),
		TxBytesNIC: atomic.LoadUint64(&p.TxBytesNIC),
		TxPPS:      p.TxPPS,
		TxBPS:      p.TxBPS,
	}
}

// ClearStats snapshots each valid requested port's current counters into
// its epoch baseline, so a subsequent GetStats reports zero absent further
// traffic.
func (s *Service) ClearStats(req *PortsRequest, resp *TxResponse) error {
	for _, id := range req.Ports {
		p, ok := s.port(id)
		if !ok {
			continue
		}
		atomic.StoreUint64(&p.EpochRxPkts, atomic.LoadUint64(&p.RxPkts))
		atomic.StoreUint64(&p.EpochRxBytes, atomic.LoadUint64(&p.RxBytes))
		atomic.StoreUint64(&p.EpochTxPkts, atomic.LoadUint64(&p.TxPkts))
		atomic.StoreUint64(&p.EpochTxBytes, atomic.LoadUint64(&p.TxBytes))
	}
	observe("ClearStats", "")
	return nil
}

// CaptureResponse is shared by the three capture-buffer operations, which
// are out of scope for this façade: it always reports the same
// not-implemented reason.
type CaptureResponse struct {
	Error string
}

// StartCapture is a permanent placeholder: capture-buffer retrieval is
// out of scope for this service.
func (s *Service) StartCapture(_ *PortsRequest, resp *CaptureResponse) error {
	resp.Error = "not implemented"
	return nil
}

// StopCapture is a permanent placeholder, symmetric with StartCapture.
func (s *Service) StopCapture(_ *PortsRequest, resp *CaptureResponse) error {
	resp.Error = "not implemented"
	return nil
}

// GetCaptureBuffer is a permanent placeholder, symmetric with StartCapture.
func (s *Service) GetCaptureBuffer(_ *PortsRequest, resp *CaptureResponse) error {
	resp.Error = "not implemented"
	return nil
}
