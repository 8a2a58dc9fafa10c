package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/helpers/cli"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/config"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/internal/message"
	"github.com/UniOulu-Ubicomp-Programming-Courses/jtkj-sensortag-gateway/log2"
	"github.com/juju/errors"
)

// decodeMain is schema debugging aid: node message per line in, topics out.
func decodeMain(ctx context.Context, log *log2.Log, c *config.Config) error {
	fields, err := c.SchemaFields()
	if err != nil {
		return errors.Trace(err)
	}
	schema, err := message.NewSchema(fields)
	if err != nil {
		return errors.Trace(err)
	}
	cli.MainLoop("decode> ", func(line string) {
		if line == "" {
			return
		}
		fmt.Println(decodeLine(schema, line))
	}, cli.SuggestWords(schema.Names()))
	return nil
}

func decodeLine(schema *message.Schema, line string) string {
	d, err := schema.Tokenize(line)
	if err != nil {
		return "error: " + err.Error()
	}
	out := map[string]interface{}{"topics": d.Topics}
	if d.Ping {
		out["ping"] = true
	}
	if d.SessionStart {
		out["session"] = message.SessionStart
	}
	if d.SessionEnd {
		out["session"] = message.SessionEnd
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "error: " + err.Error()
	}
	return string(b)
}
