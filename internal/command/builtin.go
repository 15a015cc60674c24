package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hongjun500/chatlink/internal/client"
)

// RegisterBuiltins 注册内置命令
func RegisterBuiltins(r *Registry) (err error) {
	cmds := []*Command{
		{
			Name:    "help",
			Aliases: []string{"h", "?"},
			Help:    "查看帮助",
			Handler: func(ctx *Context) error {
				for _, c := range r.List() {
					line := "/" + c.Name
					if c.Usage != "" {
						line += " " + c.Usage
					}
					line += " - " + c.Help
					if len(c.Aliases) > 0 {
						line += " (别名: " + strings.Join(c.Aliases, ", ") + ")"
					}
					ctx.Printf("%s", line)
				}
				return nil
			},
		},
		{
			Name:    "state",
			Aliases: []string{"status"},
			Help:    "connection state, heartbeat and reconnect attempt",
			Handler: func(ctx *Context) error {
				st := ctx.Client.State()
				hb := ctx.Client.Heartbeat()
				at := ctx.Client.Attempt()
				ctx.Printf("state=%s queued=%d misses=%d", st, ctx.Client.QueueSize(), hb.ConsecutiveMisses)
				if !hb.LastAckAt.IsZero() {
					ctx.Printf("last_ack=%s ago", time.Since(hb.LastAckAt).Round(time.Millisecond))
				}
				if at.Count > 0 {
					ctx.Printf("reconnect attempt=%d delay=%s", at.Count, at.Delay)
				}
				return nil
			},
		},
		{
			Name: "queue",
			Help: "查看待发送消息数",
			Handler: func(ctx *Context) error {
				ctx.Printf("%d message(s) queued", ctx.Client.QueueSize())
				return nil
			},
		},
		{
			Name: "clear",
			Help: "丢弃所有待发送消息",
			Handler: func(ctx *Context) error {
				ctx.Printf("dropped %d message(s)", ctx.Client.ClearQueue())
				return nil
			},
		},
		{
			Name:  "json",
			Usage: "<payload>",
			Help:  "send a raw JSON payload",
			Handler: func(ctx *Context) error {
				if ctx.Raw == "" {
					return errors.New("用法: /json <payload>")
				}
				if !json.Valid([]byte(ctx.Raw)) {
					return fmt.Errorf("invalid JSON: %s", ctx.Raw)
				}
				id, err := ctx.Client.Send(json.RawMessage(ctx.Raw))
				if err != nil {
					return err
				}
				ctx.Printf("queued %s", id)
				return nil
			},
		},
		{
			Name:    "reconnect",
			Aliases: []string{"r"},
			Help:    "立即重连（重置重试计数）",
			Handler: func(ctx *Context) error {
				ctx.Client.Reconnect()
				return nil
			},
		},
		{
			Name:    "quit",
			Aliases: []string{"exit", "q"},
			Help:    "断开并退出",
			Handler: func(ctx *Context) error {
				ctx.Client.Disconnect(client.CloseNormal, "bye")
				if ctx.Quit != nil {
					ctx.Quit()
				}
				return nil
			},
		},
	}
	for _, c := range cmds {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
