// Binary drone is the server-side packet traffic generator and analyzer:
// it enumerates local interfaces, starts a receive and transmit monitor
// per port, and serves the stream-configuration and transmit/stats RPC
// façade over a Unix-domain socket.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/ostinato-go/drone/capture"
	"github.com/ostinato-go/drone/frame"
	"github.com/ostinato-go/drone/monitor"
	"github.com/ostinato-go/drone/rpc"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	promPort = flag.String("prom", ":9090", "Prometheus metrics export address and port.")
	sockPath = flag.String("socket", "/var/run/drone.sock", "Unix-domain socket on which to serve the RPC façade.")
	seed     = flag.Int64("seed", 1, "Seed for the frame synthesizer's pseudo-random source.")
	ifaces   = flag.String("ifaces", "", "Comma-separated allow-list of interface names to expose as ports. Empty means every enumerated interface.")
	reps     = flag.Int("reps", 0, "How many seconds to serve before shutting down. 0 means run forever.")

	ctx, cancel = context.WithCancel(context.Background())
)

// filterPorts keeps only the ports whose interface name (the portion of
// Config.Name before the link-type suffix capture.Enumerate appends)
// appears in allow. An empty allow list keeps every port.
func filterPorts(ports []*capture.Port, allow []string) []*capture.Port {
	if len(allow) == 0 {
		return ports
	}
	keep := make(map[string]bool, len(allow))
	for _, name := range allow {
		keep[name] = true
	}
	out := ports[:0]
	for _, p := range ports {
		ifname := strings.SplitN(p.Config.Name, ":", 2)[0]
		if keep[ifname] {
			out = append(out, p)
		} else {
			p.Close()
		}
	}
	return out
}

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)

	promSrv := prometheusx.MustStartPrometheus(*promPort)
	defer promSrv.Shutdown(ctx)

	if *reps > 0 {
		time.AfterFunc(time.Duration(*reps)*time.Second, cancel)
	}

	ports, err := capture.Enumerate()
	rtx.Must(err, "Could not enumerate capture ports")
	if *ifaces != "" {
		ports = filterPorts(ports, strings.Split(*ifaces, ","))
	}
	log.Printf("drone: enumerated %d port(s)", len(ports))

	for _, p := range ports {
		if p.Rx == nil || p.Tx == nil {
			log.Printf("drone: port %d (%s) is down, skipping monitors", p.Id, p.Config.Name)
			continue
		}
		go monitor.RunRx(ctx, p)
		go monitor.RunTx(ctx, p)
	}
	defer func() {
		for _, p := range ports {
			p.Close()
		}
	}()

	synth := frame.New(*seed)
	svc := rpc.New(ports, synth)
	srv := rpc.NewServer(*sockPath, svc)
	rtx.Must(srv.Listen(), "Could not listen on %q", *sockPath)
	defer srv.Shutdown()

	log.Printf("drone: serving RPC facade on %s", *sockPath)
	if err := srv.Serve(ctx); err != nil {
		log.Println("drone: serve:", err)
	}

	cancel()
	os.Exit(0)
}
