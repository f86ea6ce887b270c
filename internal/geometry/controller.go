package geometry

import "log/slog"

// Restarter 由采集监管器实现
type Restarter interface {
	StartOrRestart(g Geometry)
}

// Controller 记录期望的尺寸/旋转，只在目标真正变化时触发重启。
// 不加锁：由 Hub 事件循环独占调用。
type Controller struct {
	target   Restarter
	log      *slog.Logger
	size     Size
	hasSize  bool
	rotation Rotation
	// applied 当前几何是否已经下发过；初始的基准尺寸还没有
	applied bool
}

// NewController base 为设备基准尺寸，作为初始跟踪尺寸；为零则等观众给出尺寸。
func NewController(target Restarter, base Size, rotation Rotation, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{target: target, size: base, hasSize: !base.IsZero(), rotation: rotation, log: log}
}

// Request 合并新尺寸/旋转（nil 表示保持当前），有变化才调用 StartOrRestart。
// 返回是否触发了重启。
func (c *Controller) Request(size *Size, rot *Rotation) bool {
	newSize, hasSize := c.size, c.hasSize
	if size != nil {
		newSize, hasSize = *size, true
	}
	newRot := c.rotation
	if rot != nil {
		newRot = *rot
	}

	if !hasSize {
		// 还没有观众给出尺寸，只记住旋转
		c.rotation = newRot
		c.log.Debug("no size tracked yet, rotation recorded", "rotation", int(newRot))
		return false
	}

	next := Geometry{Size: newSize, Rotation: newRot}
	if c.applied && c.hasSize && next == c.current() {
		c.log.Debug("current geometry stays active", "geometry", next.String())
		return false
	}

	c.size, c.hasSize, c.rotation = newSize, true, newRot
	c.applied = true
	c.log.Info("new geometry received", "geometry", next.String())
	c.target.StartOrRestart(next)
	return true
}

// Resize 观众请求，只改尺寸
func (c *Controller) Resize(s Size) bool { return c.Request(&s, nil) }

// Rotate 设备旋转通知，只改角度
func (c *Controller) Rotate(r Rotation) bool { return c.Request(nil, &r) }

// Reset 观众断开时清掉尺寸跟踪。旋转是设备状态，保留。
func (c *Controller) Reset() {
	c.size, c.hasSize, c.applied = Size{}, false, false
}

func (c *Controller) Current() (Geometry, bool) {
	return c.current(), c.hasSize
}

func (c *Controller) current() Geometry {
	return Geometry{Size: c.size, Rotation: c.rotation}
}
