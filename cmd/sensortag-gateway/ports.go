package main

import (
	"context"
	"fmt"

	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/config"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/discovery"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/log2"
	"github.com/juju/errors"
)

// portsMain prints what discovery would do with currently attached devices.
func portsMain(ctx context.Context, log *log2.Log, c *config.Config) error {
	d, err := discovery.New(log, c.Discovery, nil)
	if err != nil {
		return errors.Trace(err)
	}
	changes, err := d.Poll()
	if err != nil {
		return errors.Trace(err)
	}
	if len(changes.Arrived) == 0 {
		fmt.Println("no serial devices found")
		return nil
	}
	for _, p := range changes.Arrived {
		verdict := "skip"
		if d.Allowed(p.HardwareID) {
			verdict = fmt.Sprintf("candidate tries=%d/%d", d.Tries(p.HardwareID), c.Discovery.MaxTries)
		}
		fmt.Printf("%s product=%q %s\n", p, p.Product, verdict)
	}
	return nil
}
