package geometry

import (
	"errors"
	"testing"
)

type recorder struct {
	calls []Geometry
}

func (r *recorder) StartOrRestart(g Geometry) { r.calls = append(r.calls, g) }

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want Size
		ok   bool
	}{
		{"1080x1920", Size{1080, 1920}, true},
		{" 540x960 ", Size{540, 960}, true},
		{"0x960", Size{}, false},
		{"540x", Size{}, false},
		{"540*960", Size{}, false},
		{"-5x10", Size{}, false},
		{"4294967296x1", Size{}, false},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if tt.ok {
			if err != nil || got != tt.want {
				t.Errorf("ParseSize(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
			}
			continue
		}
		if !errors.Is(err, ErrBadSize) {
			t.Errorf("ParseSize(%q) err = %v, want ErrBadSize", tt.in, err)
		}
	}
}

func TestParseRotation(t *testing.T) {
	for _, deg := range []int{0, 90, 180, 270} {
		if _, err := ParseRotation(deg); err != nil {
			t.Errorf("ParseRotation(%d): %v", deg, err)
		}
	}
	for _, deg := range []int{-90, 45, 360} {
		if _, err := ParseRotation(deg); !errors.Is(err, ErrBadRotation) {
			t.Errorf("ParseRotation(%d) err = %v", deg, err)
		}
	}
}

func TestControllerResizeTriggersOnce(t *testing.T) {
	rec := &recorder{}
	c := NewController(rec, Size{}, Rotation90, nil)

	if !c.Resize(Size{540, 960}) {
		t.Fatal("first resize should trigger a restart")
	}
	if c.Resize(Size{540, 960}) {
		t.Fatal("identical resize should be ignored")
	}
	if len(rec.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(rec.calls))
	}
	want := Geometry{Size: Size{540, 960}, Rotation: Rotation90}
	if rec.calls[0] != want {
		t.Fatalf("got %v, want %v", rec.calls[0], want)
	}
}

func TestControllerRotateKeepsSize(t *testing.T) {
	rec := &recorder{}
	c := NewController(rec, Size{}, Rotation0, nil)
	c.Resize(Size{720, 1280})

	if !c.Rotate(Rotation270) {
		t.Fatal("rotation change should trigger a restart")
	}
	if c.Rotate(Rotation270) {
		t.Fatal("same rotation should be ignored")
	}
	want := Geometry{Size: Size{720, 1280}, Rotation: Rotation270}
	if got := rec.calls[len(rec.calls)-1]; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestControllerRotateWithoutSize(t *testing.T) {
	rec := &recorder{}
	c := NewController(rec, Size{}, Rotation0, nil)

	if c.Rotate(Rotation180) {
		t.Fatal("rotation without a tracked size must not restart")
	}
	if len(rec.calls) != 0 {
		t.Fatalf("unexpected calls: %v", rec.calls)
	}

	c.Resize(Size{100, 200})
	want := Geometry{Size: Size{100, 200}, Rotation: Rotation180}
	if rec.calls[0] != want {
		t.Fatalf("got %v, want %v", rec.calls[0], want)
	}
}

func TestControllerReset(t *testing.T) {
	rec := &recorder{}
	c := NewController(rec, Size{}, Rotation0, nil)
	c.Resize(Size{100, 200})
	c.Reset()

	if _, ok := c.Current(); ok {
		t.Fatal("size should be untracked after reset")
	}
	// 新观众请求同样尺寸也要重新下发
	if !c.Resize(Size{100, 200}) {
		t.Fatal("resize after reset should trigger")
	}
	if len(rec.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(rec.calls))
	}
}

func TestControllerSeededWithBaseSize(t *testing.T) {
	rec := &recorder{}
	base := Size{720, 1280}
	c := NewController(rec, base, Rotation0, nil)

	if g, ok := c.Current(); !ok || g.Size != base {
		t.Fatalf("current = %v %v, want base size", g, ok)
	}
	// 还没有观众时旋转，用基准尺寸启动
	if !c.Rotate(Rotation90) {
		t.Fatal("rotation with a base size should start capture")
	}
	want := Geometry{Size: base, Rotation: Rotation90}
	if len(rec.calls) != 1 || rec.calls[0] != want {
		t.Fatalf("calls = %v, want [%v]", rec.calls, want)
	}
}

func TestControllerFirstRequestForBaseSizeStarts(t *testing.T) {
	rec := &recorder{}
	c := NewController(rec, Size{720, 1280}, Rotation0, nil)

	if !c.Resize(Size{720, 1280}) {
		t.Fatal("first request equal to the base size must still start capture")
	}
	if c.Resize(Size{720, 1280}) {
		t.Fatal("repeated request should be ignored")
	}
	if len(rec.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(rec.calls))
	}
}
