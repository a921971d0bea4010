package ids

import (
	"strconv"
	"sync"
	"time"
)

// Node 雪花ID生成器：41 位毫秒时间戳 | 10 位节点 | 12 位序列
type Node struct {
	mu       sync.Mutex
	epochMS  int64
	nodeID   int64 // 0~1023
	seq      int64 // 0~4095
	lastTSMS int64
	now      func() time.Time
}

var (
	defaultNode *Node
	once        sync.Once
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// NewNode nodeID 越界时回落为 1
func NewNode(nodeID int64) *Node {
	if nodeID < 0 || nodeID > 1023 {
		nodeID = 1
	}
	return &Node{epochMS: epoch.UnixMilli(), nodeID: nodeID, now: time.Now}
}

func initDefault() {
	once.Do(func() {
		defaultNode = NewNode(1)
	})
}

// Generate 用默认节点生成一个新的雪花ID
func Generate() int64 {
	initDefault()
	return defaultNode.Next()
}

func GenerateString() string {
	return strconv.FormatInt(Generate(), 10)
}

// SetNodeID 在 main() 初始化时调用
func SetNodeID(nodeID int64) {
	initDefault()
	n := NewNode(nodeID)
	defaultNode.mu.Lock()
	defaultNode.nodeID = n.nodeID
	defaultNode.mu.Unlock()
}

func (g *Node) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UnixMilli()
	if now < g.lastTSMS {
		// 时钟回拨：沿用上一个时间戳继续递增序列
		now = g.lastTSMS
	}
	if now == g.lastTSMS {
		g.seq = (g.seq + 1) & 0xFFF
		if g.seq == 0 {
			// 序列溢出，借用下一毫秒
			now++
		}
	} else {
		g.seq = 0
	}
	g.lastTSMS = now

	ts := (now - g.epochMS) & ((1 << 41) - 1)
	return (ts << 22) | (g.nodeID << 12) | g.seq
}
