package types

import "time"

const (
	DefaultHTTPAddr string = ":8080"
	WSPath          string = "/ws"

	// 设备端 minicap 位置与 abstract socket 名
	MinicapDir    string = "/data/local/tmp"
	MinicapSocket string = "minicap"
	ForwardPort   int    = 1313

	ConnectTimeout = 5 * time.Second
	WaitDevice     = 8 * time.Second
	RotationPoll   = time.Second

	ViewerMaxPending   = 64 << 20 // 字节
	ViewerWriteTimeout = 10 * time.Second
	ViewerPingInterval = 30 * time.Second
)
