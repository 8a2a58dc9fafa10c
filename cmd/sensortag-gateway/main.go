// sensortag-gateway connects SensorTag receiver on serial port to MQTT/NATS backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/cmd/sensortag-gateway/subcmd"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/config"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/log2"
	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
)

var log = log2.NewStderr(log2.LDebug)

var modules = []subcmd.Mod{
	{Name: "run", Desc: "run gateway (default)", Main: runMain},
	{Name: "ports", Desc: "list serial devices and discovery verdict", Main: portsMain},
	{Name: "decode", Desc: "decode message lines from stdin, print topics", Main: decodeMain},
}

func main() {
	flagset := flag.NewFlagSet("sensortag-gateway", flag.ContinueOnError)
	flagConfig := flagset.String("config", "gateway.hcl", "config file, includes are relative to it")
	flagset.Usage = func() {
		fmt.Fprintf(flagset.Output(), "usage: %s [flags] [%s]\n", os.Args[0], subcmd.Names(modules))
		for _, m := range modules {
			fmt.Fprintf(flagset.Output(), "  %-8s %s\n", m.Name, m.Desc)
		}
		flagset.PrintDefaults()
	}
	if err := flagset.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	command := flagset.Arg(0)
	if command == "" {
		command = "run"
	}
	mod, err := subcmd.Parse(command, modules)
	if err != nil {
		log.Fatal(err)
	}

	if subcmd.SdNotify("start") {
		// we're under systemd, assume systemd journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	c := config.MustReadConfig(log, config.NewOsFullReader(), *flagConfig)
	if !c.LogDebug {
		log.SetLevel(log2.LInfo)
	}
	log.Debugf("config=%+v", c)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()
	if err := mod.Main(ctx, log, c); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	subcmd.SdNotify(daemon.SdNotifyStopping)
}
