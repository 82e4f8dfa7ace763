package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cyberinferno/go-sessionhub/engine"
	"github.com/cyberinferno/go-sessionhub/logger"
	"github.com/cyberinferno/go-sessionhub/routing"
	"github.com/cyberinferno/go-sessionhub/session"
)

// Command ids carried with routed chat lines.
const (
	cmdDirect int32 = iota + 1
	cmdGroup
	cmdBroadcast
)

const usage = "expected LOGIN <user> <device> [type]"

// textNotices encodes notices as plain text lines.
type textNotices struct{}

func (textNotices) LoginFailed(reason string) []byte {
	return []byte("ERR LOGIN " + reason)
}

func (textNotices) Evicted(userID, deviceID string) []byte {
	return []byte("KICKED " + userID + " " + deviceID)
}

// authenticate accepts "LOGIN <user> <device> [type]" from anyone.
func authenticate(_ context.Context, _ *session.Session, data []byte) (engine.AuthResult, error) {
	fields := strings.Fields(string(data))
	if len(fields) < 3 || len(fields) > 4 || !strings.EqualFold(fields[0], "LOGIN") {
		return engine.AuthResult{ErrorMessage: usage}, nil
	}

	res := engine.AuthResult{Success: true, UserID: fields[1], DeviceID: fields[2]}
	if len(fields) == 4 {
		res.DeviceType = fields[3]
	}

	return res, nil
}

type command struct {
	s    *session.Session
	line string
}

// demo runs the line commands of bound sessions on its own goroutine, since
// they block on the store and the cluster bus.
type demo struct {
	log      logger.Logger
	engine   *engine.Engine
	commands chan command
	stop     chan struct{}
	done     chan struct{}
}

func newDemo(log logger.Logger) *demo {
	d := &demo{
		log:      log.With(logger.Field{Key: "component", Value: "demo"}),
		commands: make(chan command, 1024),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *demo) attach(e *engine.Engine) {
	d.engine = e

	e.OnBind(func(s *session.Session, err error) {
		if err != nil {
			return
		}
		_ = s.Send([]byte("OK " + s.UserID() + " " + s.DeviceID()))
	})

	e.OnMessage(func(s *session.Session, data []byte) {
		select {
		case d.commands <- command{s: s, line: string(data)}:
		default:
			d.log.Warn("command dropped, queue full", logger.Field{Key: "session", Value: s.ID()})
		}
	})

	e.OnSessionReplaced(func(s *session.Session) {
		d.log.Info("session replaced",
			logger.Field{Key: "session", Value: s.ID()},
			logger.Field{Key: "user", Value: s.UserID()},
			logger.Field{Key: "device", Value: s.DeviceID()},
		)
	})

	e.OnIdle(func(s *session.Session) {
		_ = s.Send([]byte("PING"))
	})
}

func (d *demo) loop() {
	defer close(d.done)

	for {
		select {
		case <-d.stop:
			return
		case c := <-d.commands:
			d.execute(c)
		}
	}
}

func (d *demo) close() {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
	<-d.done
}

func (d *demo) execute(c command) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	from := c.s.UserID()
	verb, rest := cut(c.line)
	reply := func(format string, args ...any) { _ = c.s.Send(fmt.Appendf(nil, format, args...)) }

	switch strings.ToUpper(verb) {
	case "TO":
		target, text := cut(rest)
		if target == "" || text == "" {
			reply("ERR usage: TO <user> <text>")
			return
		}
		local := d.engine.SendToUser(ctx, target, routing.Message{CommandID: cmdDirect, Payload: []byte("FROM " + from + " " + text)})
		reply("OK TO %s local=%t", target, local)
	case "JOIN", "LEAVE":
		if rest == "" {
			reply("ERR usage: %s <group>", strings.ToUpper(verb))
			return
		}
		op := d.engine.JoinGroup
		if strings.EqualFold(verb, "LEAVE") {
			op = d.engine.LeaveGroup
		}
		if err := op(ctx, rest, from); err != nil {
			reply("ERR %s", err)
			return
		}
		reply("OK %s %s", strings.ToUpper(verb), rest)
	case "GROUP":
		group, text := cut(rest)
		if group == "" || text == "" {
			reply("ERR usage: GROUP <group> <text>")
			return
		}
		n := d.engine.SendToGroup(ctx, group, routing.Message{CommandID: cmdGroup, Payload: []byte("GROUP " + group + " " + from + " " + text)}, from)
		reply("OK GROUP %s local=%d", group, n)
	case "ALL":
		if rest == "" {
			reply("ERR usage: ALL <text>")
			return
		}
		n := d.engine.Broadcast(ctx, routing.Message{CommandID: cmdBroadcast, Payload: []byte("ALL " + from + " " + rest)})
		reply("OK ALL local=%d", n)
	case "ONLINE":
		online, err := d.engine.IsOnline(ctx, rest)
		if err != nil {
			reply("ERR %s", err)
			return
		}
		reply("OK ONLINE %s %t", rest, online)
	case "STATS":
		st, err := d.engine.Stats(ctx)
		if err != nil {
			reply("ERR %s", err)
			return
		}
		reply("OK STATS local=%d users=%d sessions=%d pipeline=%d/%d",
			st.LocalConnections, st.OnlineUsers, st.Sessions, st.PipelineRemaining, st.PipelineSize)
	case "KICK":
		kicked, err := d.engine.KickUser(ctx, rest, []byte("KICKED by "+from))
		if err != nil {
			reply("ERR %s", err)
			return
		}
		reply("OK KICK %s local=%d", rest, len(kicked))
	default:
		reply("ERR unknown command %q", verb)
	}
}

// cut splits off the first word of s.
func cut(s string) (head, tail string) {
	head, tail, _ = strings.Cut(strings.TrimSpace(s), " ")
	return head, strings.TrimSpace(tail)
}
