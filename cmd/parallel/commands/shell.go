package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/opd-ai/parallel/connection"
	"github.com/opd-ai/parallel/messaging"
)

type lineKind int

const (
	lineBroadcast lineKind = iota
	lineDirect
	linePeers
	lineRetention
	lineWipe
	lineHelp
	lineQuit
)

// lineCommand is one parsed line of interactive input.
type lineCommand struct {
	kind   lineKind
	target string
	text   string
	on     bool
}

var errUsage = errors.New("usage")

// parseLine turns a line of input into a command. Lines not starting with
// a slash are broadcast as text.
func parseLine(line string) (lineCommand, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return lineCommand{kind: lineBroadcast, text: line}, nil
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "/to":
		if len(fields) < 3 {
			return lineCommand{}, fmt.Errorf("%w: /to <peer> <text>", errUsage)
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, "/to"))
		rest = strings.TrimSpace(strings.TrimPrefix(rest, fields[1]))
		return lineCommand{kind: lineDirect, target: fields[1], text: rest}, nil
	case "/peers":
		return lineCommand{kind: linePeers}, nil
	case "/retention":
		if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
			return lineCommand{}, fmt.Errorf("%w: /retention on|off", errUsage)
		}
		return lineCommand{kind: lineRetention, on: fields[1] == "on"}, nil
	case "/wipe":
		return lineCommand{kind: lineWipe}, nil
	case "/help":
		return lineCommand{kind: lineHelp}, nil
	case "/quit", "/exit":
		return lineCommand{kind: lineQuit}, nil
	default:
		return lineCommand{}, fmt.Errorf("unknown command %s (try /help)", fields[0])
	}
}

// chatSession is the part of *parallel.Session the shell drives.
type chatSession interface {
	SendText(ctx context.Context, target, text string) (messaging.Message, error)
	Peers() []connection.PeerInfo
	SetRetention(on bool) error
	Retention() bool
	Wipe() int
}

type shell struct {
	session chatSession
	out     io.Writer
}

const helpText = `commands:
  <text>                 send to everyone in the room
  /to <peer> <text>      send to one peer (id prefix or display name)
  /peers                 list peers and channel state
  /retention on|off      toggle 24-hour history
  /wipe                  delete all history
  /quit                  leave the room
`

// execute runs cmd and reports whether the shell should exit.
func (sh *shell) execute(ctx context.Context, cmd lineCommand) (bool, error) {
	switch cmd.kind {
	case lineBroadcast:
		if cmd.text == "" {
			return false, nil
		}
		_, err := sh.session.SendText(ctx, messaging.BroadcastTarget, cmd.text)
		return false, err
	case lineDirect:
		peer, err := sh.resolvePeer(cmd.target)
		if err != nil {
			return false, err
		}
		_, err = sh.session.SendText(ctx, peer.PeerID, cmd.text)
		return false, err
	case linePeers:
		sh.printPeers()
		return false, nil
	case lineRetention:
		if err := sh.session.SetRetention(cmd.on); err != nil {
			return false, err
		}
		fmt.Fprintf(sh.out, "retention %s\n", onOff(sh.session.Retention()))
		return false, nil
	case lineWipe:
		fmt.Fprintf(sh.out, "wiped %d messages\n", sh.session.Wipe())
		return false, nil
	case lineHelp:
		fmt.Fprint(sh.out, helpText)
		return false, nil
	case lineQuit:
		return true, nil
	}
	return false, nil
}

// resolvePeer matches ref against peer-id prefixes and display names.
func (sh *shell) resolvePeer(ref string) (connection.PeerInfo, error) {
	var matches []connection.PeerInfo
	for _, p := range sh.session.Peers() {
		if strings.HasPrefix(p.PeerID, ref) || strings.EqualFold(p.DisplayName, ref) {
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 0:
		return connection.PeerInfo{}, fmt.Errorf("no peer matches %q", ref)
	case 1:
		return matches[0], nil
	default:
		return connection.PeerInfo{}, fmt.Errorf("%q matches %d peers", ref, len(matches))
	}
}

func (sh *shell) printPeers() {
	peers := sh.session.Peers()
	if len(peers) == 0 {
		fmt.Fprintln(sh.out, "no peers")
		return
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].DisplayName < peers[j].DisplayName })
	for _, p := range peers {
		fmt.Fprintf(sh.out, "%-8s  %-20s  %s\n", shortID(p.PeerID), p.DisplayName, p.State)
	}
}

// formatMessage renders a log entry for the terminal.
func formatMessage(m messaging.Message) string {
	who := m.SenderName
	if m.Local {
		who = "you"
	}
	scope := ""
	if !m.IsBroadcast() {
		scope = " (direct)"
	}
	body := m.Content
	if m.Type != messaging.PayloadText {
		body = fmt.Sprintf("[%s, %d bytes]", m.Type, len(m.Content))
	}
	return fmt.Sprintf("%s %s%s: %s", m.Timestamp.Format("15:04:05"), who, scope, body)
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
