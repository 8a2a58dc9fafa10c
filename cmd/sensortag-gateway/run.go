package main

import (
	"context"

	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/cmd/sensortag-gateway/subcmd"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/helpers/cli"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/config"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/gateway"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/metrics"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/publish"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/log2"
	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
)

func runMain(ctx context.Context, log *log2.Log, c *config.Config) error {
	pub, err := publish.New(ctx, log, c.Publish)
	if err != nil {
		return errors.Annotate(err, "publish")
	}
	defer pub.Close()

	// gateway level errors also go to backend error topic,
	// publisher log is cloned before hook so it can't recurse
	glog := log.Clone(log2.LDebug)
	if !c.LogDebug {
		glog.SetLevel(log2.LInfo)
	}
	glog.SetErrorFunc(func(e error) { pub.Error("", e, "") })

	m := metrics.New()
	if c.Metrics.Listen != "" {
		go func() {
			if err := m.Serve(ctx, log, c.Metrics.Listen); err != nil {
				log.Errorf("%v", errors.ErrorStack(err))
			}
		}()
	}

	var manual <-chan string
	if c.Discovery.Manual {
		manual = cli.Lines("device> ", nil, ctx.Done())
	}

	g, err := gateway.New(glog, gateway.Options{
		Config:      c,
		Publisher:   pub,
		Metrics:     m,
		ManualInput: manual,
	})
	if err != nil {
		return errors.Trace(err)
	}
	subcmd.SdNotify(daemon.SdNotifyReady)
	log.Infof("gateway init complete, running")
	if err := g.Run(ctx); err != nil {
		return errors.Trace(err)
	}
	stat := pub.Stat()
	log.Infof("publish stat published=%d failed=%d commands=%d", stat.Published, stat.Failed, stat.Commands)
	return nil
}
