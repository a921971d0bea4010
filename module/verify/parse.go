package verify

import (
	"crypto/rand"
	"math/big"
	"strings"

	"VBridge/module/bind/model"
)

// 加群附言常见前缀
var commentPrefixes = []string{"加群：", "加群:", "vrc:", "vrcat:", "vrchat:", "我是", "昵称", "id:"}

// StripComment 去掉附言前缀和关键词，返回剩余文本
func StripComment(comment, keyword string) string {
	s := strings.TrimSpace(comment)
	// QQ 的加群附言常带 "问题：...\n答案：..." 格式
	if i := strings.LastIndex(s, "答案："); i >= 0 {
		s = strings.TrimSpace(s[i+len("答案："):])
	}
	if keyword != "" {
		s = strings.TrimSpace(strings.Replace(s, keyword, "", 1))
	}
	lower := strings.ToLower(s)
	for _, p := range commentPrefixes {
		if strings.HasPrefix(lower, p) {
			s = strings.TrimSpace(s[len(p):])
			break
		}
	}
	return s
}

// HasKeyword 未配置关键词时总是 true
func HasKeyword(comment, keyword string) bool {
	if keyword == "" {
		return true
	}
	return strings.Contains(strings.ToLower(comment), strings.ToLower(keyword))
}

// candidate 附言里解析出的身份线索
type candidate struct {
	worldID string
	name    string
}

func (c candidate) empty() bool { return c.worldID == "" && c.name == "" }

func parseCandidate(comment, keyword string) candidate {
	s := StripComment(comment, keyword)
	if id, ok := model.FindWorldID(s); ok {
		return candidate{worldID: id}
	}
	if s == "" || model.LooksLikeWorldID(s) {
		return candidate{}
	}
	return candidate{name: s}
}

const codeDigits = "0123456789"

// newCode 6 位数字验证码
func newCode() string {
	b := make([]byte, 6)
	max := big.NewInt(int64(len(codeDigits)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			b[i] = codeDigits[i%len(codeDigits)]
			continue
		}
		b[i] = codeDigits[n.Int64()]
	}
	return string(b)
}
