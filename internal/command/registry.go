// Package command implements the slash commands of the interactive client.
package command

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/hongjun500/chatlink/internal/client"
	"github.com/hongjun500/chatlink/internal/heartbeat"
	"github.com/hongjun500/chatlink/internal/observe"
)

// Controller is the part of *client.Client the commands drive.
type Controller interface {
	State() client.State
	QueueSize() int
	ClearQueue() int
	Reconnect()
	Disconnect(code int, reason string)
	Send(payload any) (string, error)
	Heartbeat() heartbeat.Status
	Attempt() client.ReconnectAttempt
}

type Context struct {
	Client Controller
	Out    io.Writer
	Args   []string
	Raw    string
	// Quit 由 /quit 调用，结束输入循环
	Quit func()
}

func (c *Context) Printf(format string, args ...any) {
	if c.Out == nil {
		return
	}
	_, _ = fmt.Fprintf(c.Out, format+"\n", args...)
}

type HandlerFunc func(ctx *Context) error

type Command struct {
	Name    string
	Aliases []string
	Usage   string
	Help    string
	Handler HandlerFunc
}

type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Command
	list   []*Command
}

func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Command),
		list:   make([]*Command, 0),
	}
}

func (r *Registry) Register(cmd *Command) (err error) {
	if cmd == nil {
		return errors.New("command is nil")
	}
	if cmd.Handler == nil {
		return fmt.Errorf("command %s has no handler", cmd.Name)
	}
	name := strings.ToLower(strings.TrimSpace(cmd.Name))
	if name == "" {
		return errors.New("command name is empty")
	}
	if strings.Contains(name, "/") {
		return fmt.Errorf("command name must not contain '/':%s", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("command %s already registered", name)
	}
	r.byName[name] = cmd
	for _, item := range cmd.Aliases {
		alias := strings.ToLower(strings.TrimSpace(item))
		if alias == "" {
			continue
		}
		if _, exists := r.byName[alias]; exists {
			return fmt.Errorf("command alias %s already registered", alias)
		}
		r.byName[alias] = cmd
	}
	r.list = append(r.list, cmd)
	return nil
}

func (r *Registry) Get(name string) (*Command, bool) {
	k := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "/"))
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.byName[k]
	return cmd, ok
}

func (r *Registry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, len(r.list))
	copy(out, r.list)
	return out
}

// Execute runs raw if it is a slash command. handled is false for plain
// text, which the caller sends as a message.
func (r *Registry) Execute(raw string, ctx *Context) (handled bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || !strings.HasPrefix(raw, "/") {
		return false, nil
	}
	parts := strings.Fields(raw)
	cmdName := strings.TrimPrefix(parts[0], "/")
	if cmdName == "" {
		return true, errors.New("empty command")
	}
	cmd, ok := r.Get(cmdName)
	if !ok {
		observe.IncCommandError("not_found")
		return true, fmt.Errorf("command %s not found, try /help", cmdName)
	}
	if ctx.Client == nil {
		observe.IncCommandError("no_client")
		return true, errors.New("not connected to a client")
	}

	ctx.Args = parts[1:]
	ctx.Raw = strings.TrimSpace(strings.TrimPrefix(raw, parts[0]))
	observe.IncCommand(cmd.Name)
	if err := cmd.Handler(ctx); err != nil {
		observe.IncCommandError("handler")
		return true, err
	}
	return true, nil
}
