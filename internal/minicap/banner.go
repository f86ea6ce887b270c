// Package minicap 解析 minicap 的二进制输出：一个 banner 加若干长度前缀的 JPEG 帧。
package minicap

import "encoding/binary"

// 协议里定义了字段的 banner 长度
const DefinedBannerLength = 24

// quirks 位
const (
	QuirkDumb          uint8 = 1
	QuirkAlwaysUpright uint8 = 2
	QuirkTear          uint8 = 4
)

// Banner 每个采集会话开头的元数据
type Banner struct {
	Version       uint8  `json:"version"`
	Length        uint8  `json:"length"`
	PID           uint32 `json:"pid"`
	RealWidth     uint32 `json:"realWidth"`
	RealHeight    uint32 `json:"realHeight"`
	VirtualWidth  uint32 `json:"virtualWidth"`
	VirtualHeight uint32 `json:"virtualHeight"`
	Orientation   int    `json:"orientation"` // 角度 = 原始值 * 90
	Quirks        uint8  `json:"quirks"`
}

// EncodeBanner 按协议布局写出 banner，Length 为 0 时用 24。
// Length 大于 24 时多出的字节填 0。
func EncodeBanner(b Banner) []byte {
	n := int(b.Length)
	if n == 0 {
		n = DefinedBannerLength
	}
	buf := make([]byte, max(n, DefinedBannerLength))
	buf[0] = b.Version
	buf[1] = byte(n)
	binary.LittleEndian.PutUint32(buf[2:], b.PID)
	binary.LittleEndian.PutUint32(buf[6:], b.RealWidth)
	binary.LittleEndian.PutUint32(buf[10:], b.RealHeight)
	binary.LittleEndian.PutUint32(buf[14:], b.VirtualWidth)
	binary.LittleEndian.PutUint32(buf[18:], b.VirtualHeight)
	buf[22] = byte(b.Orientation / 90)
	buf[23] = b.Quirks
	return buf[:n]
}

// EncodeFrame 4 字节小端长度 + body
func EncodeFrame(body []byte) []byte {
	buf := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	return buf
}
