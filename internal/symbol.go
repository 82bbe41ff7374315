package internal

import (
	"math/rand/v2"

	"github.com/cespare/xxhash/v2"
)

// DefaultPalette 玩家符號調色盤
var DefaultPalette = []string{
	"●", "■", "▲", "◆", "★", "♥",
	"♣", "♠", "✚", "✖", "☾", "☀",
}

// AssignSymbol 為玩家分配符號
//
// 分配規則：
//  1. 以名稱的穩定雜湊選出調色盤中的一個符號
//  2. 若已被使用，從未使用的符號中均勻隨機挑選
//  3. 若全部都被使用，從整個調色盤隨機挑選（允許重複）
func AssignSymbol(name string, used map[string]bool, palette []string, rnd *rand.Rand) string {
	if len(palette) == 0 {
		return ""
	}

	hashed := palette[xxhash.Sum64String(name)%uint64(len(palette))]
	if !used[hashed] {
		return hashed
	}

	free := make([]string, 0, len(palette))
	for _, s := range palette {
		if !used[s] {
			free = append(free, s)
		}
	}
	if len(free) > 0 {
		return free[rnd.IntN(len(free))]
	}

	return palette[rnd.IntN(len(palette))]
}
