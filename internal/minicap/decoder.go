package minicap

import (
	"errors"
	"fmt"
)

// 单帧上限，防止长度字段损坏时申请巨量内存
const MaxFrameSize = 32 << 20

var (
	ErrMissingJPEGMarker = errors.New("frame body does not start with JPEG SOI marker")
	ErrFrameTooLarge     = errors.New("declared frame length exceeds limit")
	ErrDecoderFailed     = errors.New("decoder stopped after protocol error")
)

// Handler 接收解码结果。FrameReady 的切片归接收方所有。
type Handler interface {
	BannerReady(b Banner)
	FrameReady(frame []byte)
}

// Decoder 有状态的流式解析器：banner -> 帧长度 -> 帧体 -> 帧长度 ...
// 可以从任意分块位置继续。非并发安全。
type Decoder struct {
	h Handler

	banner     Banner
	bannerRead int
	bannerLen  int

	frameLenRead int
	frameLen     uint32
	frame        []byte

	err error
}

func NewDecoder(h Handler) *Decoder {
	d := &Decoder{h: h}
	d.Reset()
	return d
}

// Reset 新的采集流接入时清空所有进度
func (d *Decoder) Reset() {
	d.banner = Banner{}
	d.bannerRead = 0
	d.bannerLen = 2
	d.frameLenRead = 0
	d.frameLen = 0
	d.frame = nil
	d.err = nil
}

// Banner 返回当前 banner，以及是否已完整
func (d *Decoder) Banner() (Banner, bool) {
	return d.banner, d.bannerRead >= d.bannerLen
}

// Feed 消费一段任意长度的字节。返回的错误都是致命的协议错误，
// 之后的 Feed 一律返回 ErrDecoderFailed，直到 Reset。
func (d *Decoder) Feed(chunk []byte) error {
	if d.err != nil {
		return ErrDecoderFailed
	}
	for cursor := 0; cursor < len(chunk); {
		switch {
		case d.bannerRead < d.bannerLen:
			d.bannerByte(chunk[cursor])
			cursor++
			if d.bannerRead >= d.bannerLen {
				d.h.BannerReady(d.banner)
			}

		case d.frameLenRead < 4:
			d.frameLen |= uint32(chunk[cursor]) << (d.frameLenRead * 8)
			d.frameLenRead++
			cursor++
			if d.frameLenRead == 4 {
				if d.frameLen > MaxFrameSize {
					d.err = fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, d.frameLen)
					return d.err
				}
				d.frame = make([]byte, 0, d.frameLen)
				if d.frameLen == 0 {
					if err := d.finishFrame(); err != nil {
						return err
					}
				}
			}

		default:
			need := int(d.frameLen) - len(d.frame)
			n := min(need, len(chunk)-cursor)
			d.frame = append(d.frame, chunk[cursor:cursor+n]...)
			cursor += n
			if len(d.frame) == int(d.frameLen) {
				if err := d.finishFrame(); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (d *Decoder) finishFrame() error {
	body := d.frame
	if len(body) < 2 || body[0] != 0xFF || body[1] != 0xD8 {
		d.err = fmt.Errorf("%w (length %d)", ErrMissingJPEGMarker, len(body))
		return d.err
	}
	d.frame = nil
	d.frameLen = 0
	d.frameLenRead = 0
	d.h.FrameReady(body)
	return nil
}

func (d *Decoder) bannerByte(b byte) {
	i := d.bannerRead
	switch {
	case i == 0:
		d.banner.Version = b
	case i == 1:
		d.banner.Length = b
		// 声明长度为准；小于 2 时 banner 到此结束
		d.bannerLen = max(int(b), 2)
	case i >= 2 && i <= 5:
		d.banner.PID |= uint32(b) << ((i - 2) * 8)
	case i >= 6 && i <= 9:
		d.banner.RealWidth |= uint32(b) << ((i - 6) * 8)
	case i >= 10 && i <= 13:
		d.banner.RealHeight |= uint32(b) << ((i - 10) * 8)
	case i >= 14 && i <= 17:
		d.banner.VirtualWidth |= uint32(b) << ((i - 14) * 8)
	case i >= 18 && i <= 21:
		d.banner.VirtualHeight |= uint32(b) << ((i - 18) * 8)
	case i == 22:
		d.banner.Orientation = int(b) * 90
	case i == 23:
		d.banner.Quirks = b
	}
	d.bannerRead++
}
