// Binary dronestat dials a running drone service's RPC façade over its
// Unix-domain socket, fetches one GetStats snapshot for every configured
// port, and writes it to stdout as CSV.
package main

import (
	"flag"
	"log"
	"net/rpc"
	"os"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/rtx"

	rpcsvc "github.com/ostinato-go/drone/rpc"
	"github.com/ostinato-go/drone/streamconfig"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var sockPath = flag.String("socket", "/var/run/drone.sock", "Unix-domain socket of a running drone service.")

// statsRow is one CSV row: a port's identity alongside its current stats
// snapshot, flattened because gocsv marshals only struct fields, not
// nested maps.
type statsRow struct {
	Port       streamconfig.PortId `csv:"port"`
	Name       string              `csv:"name"`
	RxPkts     uint64              `csv:"rx_pkts"`
	RxBytes    uint64              `csv:"rx_bytes"`
	RxPktsNIC  uint64              `csv:"rx_pkts_nic"`
	RxBytesNIC uint64              `csv:"rx_bytes_nic"`
	RxPPS      float64             `csv:"rx_pps"`
	RxBPS      float64             `csv:"rx_bps"`
	TxPkts     uint64              `csv:"tx_pkts"`
	TxBytes    uint64              `csv:"tx_bytes"`
	TxPktsNIC  uint64              `csv:"tx_pkts_nic"`
	TxBytesNIC uint64              `csv:"tx_bytes_nic"`
	TxPPS      float64             `csv:"tx_pps"`
	TxBPS      float64             `csv:"tx_bps"`
}

func main() {
	flag.Parse()

	client, err := rpc.Dial("unix", *sockPath)
	rtx.Must(err, "Could not dial %q", *sockPath)
	defer client.Close()

	var lp rpcsvc.ListPortsResponse
	rtx.Must(client.Call("Service.ListPorts", &struct{}{}, &lp), "ListPorts RPC failed")

	var pc rpcsvc.GetPortConfigResponse
	rtx.Must(client.Call("Service.GetPortConfig", &rpcsvc.GetPortConfigRequest{Ids: lp.Ports}, &pc), "GetPortConfig RPC failed")
	names := make(map[streamconfig.PortId]string, len(pc.Configs))
	for _, c := range pc.Configs {
		names[c.Id] = c.Name
	}

	var stats rpcsvc.StatsResponse
	rtx.Must(client.Call("Service.GetStats", &rpcsvc.PortsRequest{Ports: lp.Ports}, &stats), "GetStats RPC failed")

	rows := make([]*statsRow, 0, len(stats.Stats))
	for _, id := range lp.Ports {
		st, ok := stats.Stats[id]
		if !ok {
			continue
		}
		rows = append(rows, &statsRow{
			Port: id, Name: names[id],
			RxPkts: st.RxPkts, RxBytes: st.RxBytes, RxPktsNIC: st.RxPktsNIC, RxBytesNIC: st.RxBytesNIC,
			RxPPS: st.RxPPS, RxBPS: st.RxBPS,
			TxPkts: st.TxPkts, TxBytes: st.TxBytes, TxPktsNIC: st.TxPktsNIC, TxBytesNIC: st.TxBytesNIC,
			TxPPS: st.TxPPS, TxBPS: st.TxBPS,
		})
	}

	rtx.Must(gocsv.Marshal(rows, os.Stdout), "Could not marshal stats to CSV")
}
