package intent

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"FinAssist/internal/model"
)

// Term 是词典中的一条名称到代码映射。
type Term struct {
	Name string
	Code string
	Kind model.EntityKind
}

// Lexicon 保存可识别的证券与指数名称，支持运行时重新加载。
type Lexicon struct {
	mu      sync.RWMutex
	byName  map[string]Term
	byCode  map[string]Term
	byFirst map[rune][]string
}

// NewLexicon 创建词典并加载给定词条。
func NewLexicon(terms ...Term) *Lexicon {
	l := &Lexicon{}
	l.reset(terms)
	return l
}

// DefaultLexicon 返回内置的常用 A 股、港美股与指数词典。
func DefaultLexicon() *Lexicon {
	return NewLexicon(builtinTerms()...)
}

func builtinTerms() []Term {
	instruments := map[string]string{
		"贵州茅台": "600519", "茅台": "600519", "五粮液": "000858", "泸州老窖": "000568",
		"宁德时代": "300750", "比亚迪": "002594", "招商银行": "600036", "平安银行": "000001",
		"中国平安": "601318", "工商银行": "601398", "建设银行": "601939", "兴业银行": "601166",
		"中国石油": "601857", "上海电力": "600021", "神州信息": "000555",
		"腾讯": "00700.HK", "腾讯控股": "00700.HK", "美团": "03690.HK", "小米": "01810.HK", "小米集团": "01810.HK",
		"阿里巴巴": "BABA.US", "阿里": "BABA.US", "苹果": "AAPL.US", "百度": "BIDU.US", "京东": "JD.US",
		"拼多多": "PDD.US", "网易": "NTES.US", "特斯拉": "TSLA.US", "英伟达": "NVDA.US", "微软": "MSFT.US",
	}
	indices := map[string]string{
		"上证指数": "000001.SH", "上证综指": "000001.SH", "大盘": "000001.SH", "深证成指": "399001.SZ",
		"创业板指": "399006.SZ", "沪深300": "000300.SH", "科创50": "000688.SH",
		"道琼斯": "DJI", "道指": "DJI", "纳斯达克": "IXIC", "纳指": "IXIC", "标普500": "SPX", "标普": "SPX",
		"恒生指数": "HSI", "恒指": "HSI",
	}
	terms := make([]Term, 0, len(instruments)+len(indices))
	for name, code := range instruments {
		terms = append(terms, Term{Name: name, Code: code, Kind: model.KindInstrument})
	}
	for name, code := range indices {
		terms = append(terms, Term{Name: name, Code: code, Kind: model.KindMarketIndex})
	}
	return terms
}

func (l *Lexicon) reset(terms []Term) {
	byName := make(map[string]Term, len(terms))
	byCode := make(map[string]Term, len(terms))
	for _, term := range terms {
		addTerm(byName, byCode, term)
	}
	byFirst := indexByFirstRune(byName)

	l.mu.Lock()
	l.byName, l.byCode, l.byFirst = byName, byCode, byFirst
	l.mu.Unlock()
}

func addTerm(byName, byCode map[string]Term, term Term) {
	term.Name = strings.TrimSpace(term.Name)
	term.Code = NormalizeCode(term.Code)
	if term.Name == "" || term.Code == "" {
		return
	}
	if term.Kind == "" {
		term.Kind = model.KindInstrument
	}
	byName[term.Name] = term
	// 代码反查保留最长的名称作为展示名，等长时取字典序较小者。
	existing, ok := byCode[term.Code]
	if !ok || longerName(term.Name, existing.Name) {
		byCode[term.Code] = term
	}
}

func longerName(a, b string) bool {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	if la != lb {
		return la > lb
	}
	return a < b
}

func indexByFirstRune(byName map[string]Term) map[rune][]string {
	index := make(map[rune][]string)
	for name := range byName {
		first, _ := utf8.DecodeRuneInString(strings.ToLower(name))
		index[first] = append(index[first], name)
	}
	for r := range index {
		names := index[r]
		sort.Slice(names, func(i, j int) bool {
			li, lj := utf8.RuneCountInString(names[i]), utf8.RuneCountInString(names[j])
			if li == lj {
				return names[i] < names[j]
			}
			return li > lj
		})
	}
	return index
}

// Add 追加词条，同名词条会被覆盖。
func (l *Lexicon) Add(terms ...Term) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, term := range terms {
		addTerm(l.byName, l.byCode, term)
	}
	l.byFirst = indexByFirstRune(l.byName)
}

// Len 返回词条数量。
func (l *Lexicon) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byName)
}

// Lookup 按名称查找词条。
func (l *Lexicon) Lookup(name string) (Term, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	term, ok := l.byName[strings.TrimSpace(name)]
	return term, ok
}

// NameOf 返回代码对应的展示名。
func (l *Lexicon) NameOf(code string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	term, ok := l.byCode[NormalizeCode(code)]
	return term.Name, ok
}

// TermOf 按代码查找词条。
func (l *Lexicon) TermOf(code string) (Term, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	term, ok := l.byCode[NormalizeCode(code)]
	return term, ok
}

type span struct {
	start, end int
	term       Term
	surface    string
}

// scan 在 rune 序列上做最长匹配，返回不重叠且按位置排序的命中。
func (l *Lexicon) scan(runes []rune) []span {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var spans []span
	for i := 0; i < len(runes); {
		candidates := l.byFirst[toLower(runes[i])]
		matched := false
		for _, name := range candidates {
			nameRunes := []rune(strings.ToLower(name))
			if !hasPrefixFold(runes[i:], nameRunes) {
				continue
			}
			end := i + len(nameRunes)
			if isASCIIWord(nameRunes) && !wordBoundary(runes, i, end) {
				continue
			}
			spans = append(spans, span{start: i, end: end, term: l.byName[name], surface: string(runes[i:end])})
			i = end
			matched = true
			break
		}
		if !matched {
			i++
		}
	}
	return spans
}

var (
	aShareCodePattern = regexp.MustCompile(`^[036]\d{5}$`)
	suffixPattern     = regexp.MustCompile(`^(\d{6})\.(SS|SH|SZ)$`)
)

// NormalizeCode 把外部代码统一为内部规范标识：A 股去掉交易所后缀，其余转为大写。
func NormalizeCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if m := suffixPattern.FindStringSubmatch(code); m != nil && aShareCodePattern.MatchString(m[1]) {
		// 指数保留后缀，个股去掉后缀。
		if isIndexCode(m[1], m[2]) {
			return m[1] + "." + normalizeExchange(m[2])
		}
		return m[1]
	}
	return code
}

func isIndexCode(digits, exchange string) bool {
	switch normalizeExchange(exchange) {
	case "SH":
		return strings.HasPrefix(digits, "000")
	case "SZ":
		return strings.HasPrefix(digits, "399")
	}
	return false
}

func normalizeExchange(exchange string) string {
	if exchange == "SS" {
		return "SH"
	}
	return exchange
}

// LoadCSV 读取 "名称,代码[,类别]" 格式的映射，首行表头可选，返回新增条数。
func (l *Lexicon) LoadCSV(r io.Reader) (int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var terms []Term
	for line := 1; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("解析映射文件第 %d 行失败: %w", line, err)
		}
		if len(record) < 2 {
			continue
		}
		name, code := strings.TrimPrefix(record[0], "\ufeff"), record[1]
		if line == 1 && (!looksLikeCode(code) || strings.EqualFold(strings.TrimSpace(code), "code")) {
			continue
		}
		kind := model.KindInstrument
		if len(record) > 2 {
			switch strings.ToLower(strings.TrimSpace(record[2])) {
			case "index", "market_index", "指数":
				kind = model.KindMarketIndex
			}
		}
		terms = append(terms, Term{Name: name, Code: code, Kind: kind})
	}
	l.Add(terms...)
	return len(terms), nil
}

// LoadFile 从 CSV 文件加载映射。
func (l *Lexicon) LoadFile(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("读取映射文件失败: %w", err)
	}
	defer file.Close()
	return l.LoadCSV(file)
}

// Reload 以内置词条为基础重新加载映射文件，供文件变更时调用。
func (l *Lexicon) Reload(path string) (int, error) {
	fresh := DefaultLexicon()
	n, err := fresh.LoadFile(path)
	if err != nil {
		return 0, err
	}
	fresh.mu.RLock()
	byName, byCode, byFirst := fresh.byName, fresh.byCode, fresh.byFirst
	fresh.mu.RUnlock()

	l.mu.Lock()
	l.byName, l.byCode, l.byFirst = byName, byCode, byFirst
	l.mu.Unlock()
	return n, nil
}

func looksLikeCode(code string) bool {
	code = strings.TrimSpace(code)
	if code == "" {
		return false
	}
	for _, r := range code {
		if r >= '0' && r <= '9' || r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r == '.' {
			continue
		}
		return false
	}
	return true
}
