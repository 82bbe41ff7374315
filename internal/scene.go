package internal

import (
	"errors"
	"math"

	"github.com/google/uuid"
)

// ErrInvalidGeometry 幾何資料不合法
var ErrInvalidGeometry = errors.New("幾何資料不合法")

// ObjectType 場景物件的類型標記
type ObjectType string

const (
	TypeNone   ObjectType = "none"   // 一般
	TypeBouncy ObjectType = "bouncy" // 彈跳
	TypeDeath  ObjectType = "death"  // 致死
)

// ParseObjectType 解析類型標記，空字串視為 none
func ParseObjectType(s string) (ObjectType, bool) {
	switch ObjectType(s) {
	case "", TypeNone:
		return TypeNone, true
	case TypeBouncy:
		return TypeBouncy, true
	case TypeDeath:
		return TypeDeath, true
	}
	return "", false
}

// Point 二維座標
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Line 線段
//
// Width/Height/Angle 可由端點推得，但客戶端送來時以其為準。
type Line struct {
	Start  Point    `json:"start"`
	End    Point    `json:"end"`
	Width  *float64 `json:"width,omitempty"`
	Height *float64 `json:"height,omitempty"`
	Angle  *float64 `json:"angle,omitempty"`
}

// Polygon 多邊形，頂點為相對於 Center 的座標
type Polygon struct {
	Center   Point   `json:"center"`
	Vertices []Point `json:"vertices"`
	Rotation float64 `json:"rotation"`
	Scale    float64 `json:"scale"`
}

// Geometry 幾何資料，Line 與 Polygon 恰好設定其一
type Geometry struct {
	Line    *Line    `json:"line,omitempty"`
	Polygon *Polygon `json:"polygon,omitempty"`
}

// Kind 回傳 "line" 或 "polygon"
func (g Geometry) Kind() string {
	switch {
	case g.Line != nil && g.Polygon == nil:
		return "line"
	case g.Polygon != nil && g.Line == nil:
		return "polygon"
	}
	return ""
}

// Normalize 補上預設值（縮放 0 視為 1）
func (g *Geometry) Normalize() {
	if g.Polygon != nil && g.Polygon.Scale == 0 {
		g.Polygon.Scale = 1
	}
}

// Validate 檢查幾何資料
func (g Geometry) Validate() error {
	switch g.Kind() {
	case "line":
		l := g.Line
		if !finite(l.Start.X, l.Start.Y, l.End.X, l.End.Y) {
			return ErrInvalidGeometry
		}
		for _, v := range []*float64{l.Width, l.Height, l.Angle} {
			if v != nil && !finite(*v) {
				return ErrInvalidGeometry
			}
		}
		return nil
	case "polygon":
		p := g.Polygon
		if len(p.Vertices) < 3 {
			return ErrInvalidGeometry
		}
		if !finite(p.Center.X, p.Center.Y, p.Rotation, p.Scale) || p.Scale <= 0 {
			return ErrInvalidGeometry
		}
		for _, v := range p.Vertices {
			if !finite(v.X, v.Y) {
				return ErrInvalidGeometry
			}
		}
		return nil
	}
	return ErrInvalidGeometry
}

// Clone 深拷貝
func (g Geometry) Clone() Geometry {
	var out Geometry
	if g.Line != nil {
		l := *g.Line
		l.Width = cloneFloat(g.Line.Width)
		l.Height = cloneFloat(g.Line.Height)
		l.Angle = cloneFloat(g.Line.Angle)
		out.Line = &l
	}
	if g.Polygon != nil {
		p := *g.Polygon
		p.Vertices = append([]Point(nil), g.Polygon.Vertices...)
		out.Polygon = &p
	}
	return out
}

// SceneObject 場景物件
//
// 場景中的順序即繪製與碰撞順序，index 0 在最後面。
type SceneObject struct {
	ID       string     `json:"id"`
	OwnerID  string     `json:"ownerId"`
	Geometry Geometry   `json:"geometry"`
	Type     ObjectType `json:"type"`
}

// Clone 深拷貝，廣播用的 payload 不能引用即時狀態
func (o *SceneObject) Clone() SceneObject {
	return SceneObject{
		ID:       o.ID,
		OwnerID:  o.OwnerID,
		Geometry: o.Geometry.Clone(),
		Type:     o.Type,
	}
}

// NewObjectID 產生物件 ID（隨機 128 位元）
func NewObjectID() string {
	return uuid.NewString()
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
