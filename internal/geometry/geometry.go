package geometry

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrBadRotation = errors.New("rotation must be one of 0, 90, 180, 270")
	ErrBadSize     = errors.New("size must be <width>x<height> with positive integers")
)

// Size 像素尺寸
type Size struct {
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
}

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.Width, s.Height) }

// IsZero 未设置的尺寸
func (s Size) IsZero() bool { return s.Width == 0 || s.Height == 0 }

// ParseSize 解析 "1080x1920"
func ParseSize(v string) (Size, error) {
	w, h, ok := strings.Cut(strings.TrimSpace(v), "x")
	if !ok {
		return Size{}, fmt.Errorf("%q: %w", v, ErrBadSize)
	}
	width, err := parseDim(w)
	if err != nil {
		return Size{}, fmt.Errorf("%q: %w", v, ErrBadSize)
	}
	height, err := parseDim(h)
	if err != nil {
		return Size{}, fmt.Errorf("%q: %w", v, ErrBadSize)
	}
	return Size{Width: width, Height: height}, nil
}

func parseDim(v string) (uint32, error) {
	if v == "" {
		return 0, ErrBadSize
	}
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0, ErrBadSize
		}
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil || n == 0 {
		return 0, ErrBadSize
	}
	return uint32(n), nil
}

// Rotation 顺时针角度，只允许 0/90/180/270
type Rotation int

const (
	Rotation0   Rotation = 0
	Rotation90  Rotation = 90
	Rotation180 Rotation = 180
	Rotation270 Rotation = 270
)

func (r Rotation) Valid() bool {
	switch r {
	case Rotation0, Rotation90, Rotation180, Rotation270:
		return true
	}
	return false
}

// ParseRotation 校验角度
func ParseRotation(deg int) (Rotation, error) {
	r := Rotation(deg)
	if !r.Valid() {
		return 0, fmt.Errorf("%d: %w", deg, ErrBadRotation)
	}
	return r, nil
}

// Geometry 采集目标：尺寸 + 旋转。可直接用 == 比较
type Geometry struct {
	Size
	Rotation Rotation `json:"rotation"`
}

func (g Geometry) String() string { return fmt.Sprintf("%s/%d", g.Size, g.Rotation) }
