package target

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Candidate 为资金费率排序后的备选合约。
type Candidate struct {
	Ticker      string  `json:"ticker"`
	FundingRate float64 `json:"funding_rate"`
	RankID      float64 `json:"rank_id"`
}

// LoadCandidates 读取备选文件并拆分为多头与空头列表。
//
// 文件按行对半拆分：前半部分中资金费率为负的进入多头并按 id 升序，
// 后半部分中资金费率为正的进入空头并按 id 降序，其余行丢弃。
func LoadCandidates(path string) ([]Candidate, []Candidate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("target: 打开备选文件失败: %w", err)
	}
	defer f.Close()

	return ParseCandidates(f)
}

// ParseCandidates 解析包含 ticker、fundingRate、id 列的 CSV。
func ParseCandidates(r io.Reader) ([]Candidate, []Candidate, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("target: 读取表头失败: %w", err)
	}
	cols, err := columnIndex(header, "ticker", "fundingRate", "id")
	if err != nil {
		return nil, nil, err
	}

	var rows []Candidate
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, nil, fmt.Errorf("target: 第 %d 行解析失败: %w", line, err)
		}

		ticker := strings.ToUpper(strings.TrimSpace(record[cols["ticker"]]))
		if ticker == "" {
			continue
		}
		rate, err := strconv.ParseFloat(strings.TrimSpace(record[cols["fundingRate"]]), 64)
		if err != nil {
			return nil, nil, fmt.Errorf("target: 第 %d 行 fundingRate 无效: %w", line, err)
		}
		rank, err := strconv.ParseFloat(strings.TrimSpace(record[cols["id"]]), 64)
		if err != nil {
			return nil, nil, fmt.Errorf("target: 第 %d 行 id 无效: %w", line, err)
		}
		rows = append(rows, Candidate{Ticker: ticker, FundingRate: rate, RankID: rank})
	}

	mid := len(rows) / 2
	var long, short []Candidate
	for _, c := range rows[:mid] {
		if c.FundingRate < 0 {
			long = append(long, c)
		}
	}
	for _, c := range rows[mid:] {
		if c.FundingRate > 0 {
			short = append(short, c)
		}
	}

	sort.SliceStable(long, func(i, j int) bool { return long[i].RankID < long[j].RankID })
	sort.SliceStable(short, func(i, j int) bool { return short[i].RankID > short[j].RankID })

	return long, short, nil
}

// LoadBlacklist 读取黑名单文件，文件不存在时返回空集合。
func LoadBlacklist(path string) (map[string]struct{}, error) {
	blacklist := make(map[string]struct{})
	if path == "" {
		return blacklist, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return blacklist, nil
		}
		return nil, fmt.Errorf("target: 打开黑名单失败: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return blacklist, nil
		}
		return nil, fmt.Errorf("target: 读取黑名单表头失败: %w", err)
	}
	cols, err := columnIndex(header, "ticker")
	if err != nil {
		return nil, err
	}

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("target: 读取黑名单失败: %w", err)
	}
	for _, record := range records {
		idx := cols["ticker"]
		if idx >= len(record) {
			continue
		}
		if ticker := strings.ToUpper(strings.TrimSpace(record[idx])); ticker != "" {
			blacklist[ticker] = struct{}{}
		}
	}
	return blacklist, nil
}

// FilterBlacklisted 移除黑名单中的备选，返回保留列表与被移除的合约。
func FilterBlacklisted(candidates []Candidate, blacklist map[string]struct{}) ([]Candidate, []string) {
	if len(blacklist) == 0 {
		return candidates, nil
	}
	kept := make([]Candidate, 0, len(candidates))
	var removed []string
	for _, c := range candidates {
		if _, ok := blacklist[strings.ToUpper(c.Ticker)]; ok {
			removed = append(removed, c.Ticker)
			continue
		}
		kept = append(kept, c)
	}
	return kept, removed
}

func columnIndex(header []string, required ...string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	cols := make(map[string]int, len(required))
	for _, name := range required {
		i, ok := idx[name]
		if !ok {
			return nil, fmt.Errorf("target: 缺少列 %q", name)
		}
		cols[name] = i
	}
	return cols, nil
}
