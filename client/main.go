// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"context"
	"crypto/sha1"
	"io"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"github.com/xtaci/qpp"

	"github.com/jmux-proxy/jmux/jmux"
	"github.com/jmux-proxy/jmux/std"
)

// SALT is use for pbkdf2 key expansion
const SALT = "kcp-go"

// VERSION is injected by buildflags
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "jmux-client"
	myApp.Usage = "JMUX client over KCP"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{Name: "localaddr,l", Value: ":12948", Usage: "local listen address"},
		cli.StringFlag{Name: "remoteaddr, r", Value: "vps:29900", Usage: `kcp server address, eg: "IP:29900"`},
		cli.StringFlag{Name: "target, t", Value: "127.0.0.1:80", Usage: "destination requested over every channel, host:port"},
		cli.StringFlag{Name: "key", Value: "it's a secrect", Usage: "pre-shared secret between client and server", EnvVar: "JMUX_KEY"},
		cli.StringFlag{Name: "crypt", Value: "aes", Usage: "aes, aes-128, aes-128-gcm, aes-192, salsa20, blowfish, twofish, cast5, 3des, tea, xtea, xor, sm4, none, null"},
		cli.StringFlag{Name: "mode", Value: "fast", Usage: "profiles: fast3, fast2, fast, normal, manual"},
		cli.BoolFlag{Name: "QPP", Usage: "enable Quantum Permutation Pads(QPP) across the whole multiplexed connection"},
		cli.IntFlag{Name: "QPPCount", Value: 61, Usage: "number of QPP pads; must be prime for best security"},
		cli.IntFlag{Name: "conn", Value: 1, Usage: "set num of UDP connections to server"},
		cli.IntFlag{Name: "autoexpire", Value: 0, Usage: "auto expiration time(seconds) for a single UDP connection, 0 to disable"},
		cli.IntFlag{Name: "scavengettl", Value: 600, Usage: "how long an expired connection can live (seconds)"},
		cli.IntFlag{Name: "mtu", Value: 1350, Usage: "maximum transmission unit for UDP packets"},
		cli.IntFlag{Name: "ratelimit", Value: 0, Usage: "maximum outgoing speed (bytes/sec), 0 to disable"},
		cli.IntFlag{Name: "sndwnd", Value: 128, Usage: "send window size(num of packets)"},
		cli.IntFlag{Name: "rcvwnd", Value: 512, Usage: "receive window size(num of packets)"},
		cli.IntFlag{Name: "datashard,ds", Value: 10, Usage: "reed-solomon erasure coding - datashard"},
		cli.IntFlag{Name: "parityshard,ps", Value: 3, Usage: "reed-solomon erasure coding - parityshard"},
		cli.IntFlag{Name: "dscp", Value: 0, Usage: "DSCP(6bit)"},
		cli.BoolFlag{Name: "nocomp", Usage: "disable compression"},
		cli.BoolFlag{Name: "acknodelay", Usage: "flush ack immediately when a packet is received", Hidden: true},
		cli.IntFlag{Name: "nodelay", Value: 0, Hidden: true},
		cli.IntFlag{Name: "interval", Value: 50, Hidden: true},
		cli.IntFlag{Name: "resend", Value: 0, Hidden: true},
		cli.IntFlag{Name: "nc", Value: 0, Hidden: true},
		cli.IntFlag{Name: "sockbuf", Value: 4194304, Usage: "per-socket buffer in bytes"},
		cli.StringFlag{Name: "snmplog", Value: "", Usage: "collect snmp to file, aware of timeformat in golang, like: ./snmp-20060102.log"},
		cli.IntFlag{Name: "snmpperiod", Value: 60, Usage: "snmp collect period, in seconds"},
		cli.StringFlag{Name: "log", Value: "", Usage: "specify a log file to output, default goes to stderr"},
		cli.BoolFlag{Name: "quiet", Usage: "suppress the 'channel open/close' messages"},
		cli.BoolFlag{Name: "tcp", Usage: "to emulate a TCP connection(linux)"},
		cli.StringFlag{Name: "c", Value: "", Usage: "config from json file, which will override the command from shell"},
		cli.BoolFlag{Name: "pprof", Usage: "start profiling server on :6060"},
	}
	myApp.Action = func(c *cli.Context) error {
		config := Config{}
		config.LocalAddr = c.String("localaddr")
		config.RemoteAddr = c.String("remoteaddr")
		config.Target = c.String("target")
		config.Key = c.String("key")
		config.Crypt = c.String("crypt")
		config.Mode = c.String("mode")
		config.Conn = c.Int("conn")
		config.AutoExpire = c.Int("autoexpire")
		config.ScavengeTTL = c.Int("scavengettl")
		config.MTU = c.Int("mtu")
		config.RateLimit = c.Int("ratelimit")
		config.SndWnd = c.Int("sndwnd")
		config.RcvWnd = c.Int("rcvwnd")
		config.DataShard = c.Int("datashard")
		config.ParityShard = c.Int("parityshard")
		config.DSCP = c.Int("dscp")
		config.NoComp = c.Bool("nocomp")
		config.AckNodelay = c.Bool("acknodelay")
		config.NoDelay = c.Int("nodelay")
		config.Interval = c.Int("interval")
		config.Resend = c.Int("resend")
		config.NoCongestion = c.Int("nc")
		config.SockBuf = c.Int("sockbuf")
		config.Log = c.String("log")
		config.SnmpLog = c.String("snmplog")
		config.SnmpPeriod = c.Int("snmpperiod")
		config.Quiet = c.Bool("quiet")
		config.TCP = c.Bool("tcp")
		config.Pprof = c.Bool("pprof")
		config.QPP = c.Bool("QPP")
		config.QPPCount = c.Int("QPPCount")

		if c.String("c") != "" {
			checkError(parseJSONConfig(&config, c.String("c")))
		}

		if config.Log != "" {
			f, err := os.OpenFile(config.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
			checkError(err)
			defer f.Close()
			log.SetOutput(f)
		}

		switch config.Mode {
		case "normal":
			config.NoDelay, config.Interval, config.Resend, config.NoCongestion = 0, 40, 2, 1
		case "fast":
			config.NoDelay, config.Interval, config.Resend, config.NoCongestion = 0, 30, 2, 1
		case "fast2":
			config.NoDelay, config.Interval, config.Resend, config.NoCongestion = 1, 20, 2, 1
		case "fast3":
			config.NoDelay, config.Interval, config.Resend, config.NoCongestion = 1, 10, 2, 1
		}

		log.Println("version:", VERSION)

		var listener net.Listener
		if _, _, err := net.SplitHostPort(config.LocalAddr); err != nil {
			addr, rErr := net.ResolveUnixAddr("unix", config.LocalAddr)
			checkError(rErr)
			listener, err = net.ListenUnix("unix", addr)
			checkError(err)
		} else {
			addr, rErr := net.ResolveTCPAddr("tcp", config.LocalAddr)
			checkError(rErr)
			listener, err = net.ListenTCP("tcp", addr)
			checkError(err)
		}

		log.Println("listening on:", listener.Addr())
		log.Println("target:", config.Target)
		log.Println("encryption:", config.Crypt)
		log.Println("QPP:", config.QPP, "QPPCount:", config.QPPCount)
		log.Println("nodelay parameters:", config.NoDelay, config.Interval, config.Resend, config.NoCongestion)
		log.Println("remote address:", config.RemoteAddr)
		log.Println("sndwnd:", config.SndWnd, "rcvwnd:", config.RcvWnd)
		log.Println("compression:", !config.NoComp)
		log.Println("mtu:", config.MTU)
		log.Println("conn:", config.Conn)
		log.Println("quiet:", config.Quiet)
		log.Println("tcp:", config.TCP)

		if config.QPP {
			warnings, err := std.ValidateQPPParams(config.QPPCount, config.Key)
			checkError(err)
			for _, w := range warnings {
				color.Red(w)
			}
		}

		if config.AutoExpire != 0 && config.ScavengeTTL > config.AutoExpire {
			color.Red("WARNING: scavengettl is bigger than autoexpire, connections may race hard to use bandwidth.")
		}

		target, err := jmux.ParseDestinationURL("tcp://" + config.Target)
		checkError(err)

		log.Println("initiating key derivation")
		pass := pbkdf2.Key([]byte(config.Key), []byte(SALT), 4096, 32, sha1.New)
		log.Println("key derivation done")
		block, effectiveCrypt := std.SelectBlockCrypt(config.Crypt, pass)
		config.Crypt = effectiveCrypt

		var pad *qpp.QuantumPermutationPad
		if config.QPP {
			pad = qpp.NewQPP([]byte(config.Key), uint16(config.QPPCount))
		}

		createSlot := func() (*clientSlot, error) {
			kcpconn, err := dial(&config, block)
			if err != nil {
				return nil, errors.Wrap(err, "dial()")
			}
			kcpconn.SetStreamMode(true)
			kcpconn.SetWriteDelay(false)
			kcpconn.SetNoDelay(config.NoDelay, config.Interval, config.Resend, config.NoCongestion)
			kcpconn.SetWindowSize(config.SndWnd, config.RcvWnd)
			kcpconn.SetMtu(config.MTU)
			kcpconn.SetACKNoDelay(config.AckNodelay)
			kcpconn.SetRateLimit(uint32(config.RateLimit))

			if err := kcpconn.SetDSCP(config.DSCP); err != nil {
				log.Println("SetDSCP:", err)
			}
			if err := kcpconn.SetReadBuffer(config.SockBuf); err != nil {
				log.Println("SetReadBuffer:", err)
			}
			if err := kcpconn.SetWriteBuffer(config.SockBuf); err != nil {
				log.Println("SetWriteBuffer:", err)
			}
			log.Println("jmux connection:", kcpconn.LocalAddr(), "->", kcpconn.RemoteAddr())

			var stream io.ReadWriteCloser = kcpconn
			if !config.NoComp {
				stream = std.NewCompStream(kcpconn)
			}
			if pad != nil {
				stream = std.NewQPPPort(stream, pad, []byte(config.Key))
			}

			proxy := jmux.New(stream, stream)
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				defer close(done)
				if err := proxy.Run(ctx); err != nil {
					log.Println("jmux proxy:", err)
				}
			}()

			return &clientSlot{proxy: proxy, cancel: cancel, done: done}, nil
		}

		waitSlot := func() *clientSlot {
			for {
				if slot, err := createSlot(); err == nil {
					return slot
				} else {
					log.Println("re-connecting:", err)
					time.Sleep(time.Second)
				}
			}
		}

		go std.SnmpLogger(config.SnmpLog, config.SnmpPeriod)
		if config.Pprof {
			go http.ListenAndServe(":6060", nil)
		}

		chScavenger := make(chan timedSlot, 128)
		if config.AutoExpire > 0 {
			go scavenge(chScavenger, &config)
		}

		numconn := uint16(config.Conn)
		slots := make([]timedSlot, numconn)
		rr := uint16(0)

		for {
			p1, err := listener.Accept()
			if err != nil {
				log.Fatalf("%+v", err)
			}
			idx := rr % numconn

			if slots[idx].slot == nil || slots[idx].slot.closed() ||
				(config.AutoExpire > 0 && time.Now().After(slots[idx].expiryDate)) {
				slots[idx].slot = waitSlot()
				slots[idx].expiryDate = time.Now().Add(time.Duration(config.AutoExpire) * time.Second)
				if config.AutoExpire > 0 {
					chScavenger <- slots[idx]
				}
			}

			go handleClient(slots[idx].slot, target, p1, config.Quiet)
			rr++
		}
	}
	myApp.Run(os.Args)
}

// clientSlot is one live jmux.Proxy bound to one outer KCP connection.
type clientSlot struct {
	proxy  *jmux.Proxy
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *clientSlot) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// handleClient opens a channel towards target over slot and, once granted,
// binds p1 to it so the channel's reader/writer tasks start pumping.
func handleClient(slot *clientSlot, target jmux.DestinationURL, p1 net.Conn, quiet bool) {
	logln := func(v ...any) {
		if !quiet {
			log.Println(v...)
		}
	}

	ctx := context.Background()
	reply, err := slot.proxy.Requester().OpenChannel(ctx, target)
	if err != nil {
		logln("open channel:", err)
		p1.Close()
		return
	}

	result := <-reply
	if result.Err != nil {
		logln("channel rejected:", result.Err)
		p1.Close()
		return
	}

	logln("channel opened", result.ID, "in:", p1.RemoteAddr(), "out:", target)
	if err := slot.proxy.Requester().Start(ctx, result.ID, p1, nil); err != nil {
		logln("start channel:", err)
		p1.Close()
	}
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(-1)
	}
}

// timedSlot is a wrapper for clientSlot with expiry date
type timedSlot struct {
	slot       *clientSlot
	expiryDate time.Time
}

// scavenge closes slots whose expiration time has elapsed
func scavenge(ch chan timedSlot, config *Config) {
	const scavengePeriod = 5 * time.Second
	ticker := time.NewTicker(scavengePeriod)
	defer ticker.Stop()
	var list []timedSlot
	for {
		select {
		case item := <-ch:
			list = append(list, timedSlot{
				item.slot,
				item.expiryDate.Add(time.Duration(config.ScavengeTTL) * time.Second)})
		case <-ticker.C:
			var keep []timedSlot
			for _, s := range list {
				if s.slot.closed() {
					log.Println("scavenger: connection normally closed")
				} else if time.Now().After(s.expiryDate) {
					s.slot.cancel()
					log.Println("scavenger: connection closed due to ttl")
				} else {
					keep = append(keep, s)
				}
			}
			list = keep
		}
	}
}
