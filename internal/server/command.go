package server

import (
	"strings"

	"alan3344/go-minicap-relay/internal/geometry"
)

type CommandKind int

const (
	CommandOn CommandKind = iota + 1
	CommandOff
	CommandSize
)

func (k CommandKind) String() string {
	switch k {
	case CommandOn:
		return "on"
	case CommandOff:
		return "off"
	case CommandSize:
		return "size"
	}
	return "unknown"
}

// Command 观众发来的控制消息
type Command struct {
	Kind CommandKind
	Size geometry.Size // 仅 CommandSize
}

// ParseCommand 只接受 "on"、"off"、"size <w>x<h>"，整串精确匹配。
// 其它输入返回 false，调用方直接丢弃。
func ParseCommand(msg string) (Command, bool) {
	switch msg {
	case "on":
		return Command{Kind: CommandOn}, true
	case "off":
		return Command{Kind: CommandOff}, true
	}
	rest, ok := strings.CutPrefix(msg, "size ")
	if !ok || strings.TrimSpace(rest) != rest {
		return Command{}, false
	}
	sz, err := geometry.ParseSize(rest)
	if err != nil {
		return Command{}, false
	}
	return Command{Kind: CommandSize, Size: sz}, true
}
