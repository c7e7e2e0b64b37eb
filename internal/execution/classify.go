package execution

import (
	"github.com/shopspring/decimal"
)

// Kind 为单个合约调仓动作的分类。
type Kind int

const (
	KindNone Kind = iota
	// KindClose 仅减少现有仓位，使用 reduceOnly。
	KindClose
	// KindReverseOpen 穿越零点反向开仓，按平仓规则规整且不做保证金检查。
	KindReverseOpen
	// KindOpen 在持仓方向上加仓或从零开仓。
	KindOpen
)

func (k Kind) String() string {
	switch k {
	case KindClose:
		return "close"
	case KindReverseOpen:
		return "reverse_open"
	case KindOpen:
		return "open"
	default:
		return "none"
	}
}

// closing 表示按平仓语义规整数量，跳过最小名义价值与保证金检查。
func (k Kind) closing() bool {
	return k == KindClose || k == KindReverseOpen
}

// classify 根据运行开始时仓位、当前仓位与目标仓位给出调仓分类，结果只依赖输入。
func classify(start, current, target float64) Kind {
	delta := diff(target, current)
	if delta == 0 {
		return KindNone
	}

	if current != 0 {
		if sign(delta) != sign(current) {
			if target == 0 || sign(target) == sign(current) {
				return KindClose
			}
			return KindReverseOpen
		}
		return KindOpen
	}

	if start != 0 && target != 0 && sign(start) != sign(target) {
		return KindReverseOpen
	}
	return KindOpen
}

// diff 以十进制精度计算 a - b，避免浮点残差产生虚假的调仓量。
func diff(a, b float64) float64 {
	d, _ := decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)).Float64()
	return d
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
