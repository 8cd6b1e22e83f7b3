package device

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// SelectorAll expands to every populated channel of a device class.
const SelectorAll = "all"

var ErrInvalidSelector = errors.New("device: invalid channel selector")

// ChannelSet partitions a selector into ordered, disjoint valid and invalid channels.
// Requested keeps the deduplicated input order across both halves.
type ChannelSet struct {
	Requested []int
	Valid     []int
	Invalid   []int
}

// IsValid reports whether ch landed in the valid half.
func (s ChannelSet) IsValid(ch int) bool {
	for _, v := range s.Valid {
		if v == ch {
			return true
		}
	}
	return false
}

// ParseSelector expands "all" to all, or parses a comma-separated integer list.
// Repeated channels keep their first position only.
func ParseSelector(selector string, all []int) ([]int, error) {
	selector = strings.TrimSpace(selector)
	if strings.EqualFold(selector, SelectorAll) {
		out := make([]int, len(all))
		copy(out, all)
		return out, nil
	}
	if selector == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSelector)
	}
	parts := strings.Split(selector, ",")
	out := make([]int, 0, len(parts))
	seen := make(map[int]struct{}, len(parts))
	for _, part := range parts {
		ch, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSelector, selector)
		}
		if _, dup := seen[ch]; dup {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	return out, nil
}

// Partition splits channels by inRange, preserving order.
func Partition(channels []int, inRange func(int) bool) ChannelSet {
	set := ChannelSet{Requested: append([]int{}, channels...), Valid: []int{}, Invalid: []int{}}
	for _, ch := range channels {
		if inRange(ch) {
			set.Valid = append(set.Valid, ch)
		} else {
			set.Invalid = append(set.Invalid, ch)
		}
	}
	return set
}

// ResolveChannels parses selector and partitions the result.
func ResolveChannels(selector string, all []int, inRange func(int) bool) (ChannelSet, error) {
	channels, err := ParseSelector(selector, all)
	if err != nil {
		return ChannelSet{Requested: []int{}, Valid: []int{}, Invalid: []int{}}, err
	}
	return Partition(channels, inRange), nil
}

func span(lo, hi int) []int {
	out := make([]int, 0, hi-lo+1)
	for ch := lo; ch <= hi; ch++ {
		out = append(out, ch)
	}
	return out
}
