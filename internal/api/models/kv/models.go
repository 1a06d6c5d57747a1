package kv

import (
	domainKv "github.com/lloydmeta/echo/internal/domain/model/kv"
)

// Item is one live key in a kv space
type Item struct {
	Key   string `json:"key" example:"greeting"`
	Value string `json:"value" example:"hello"`
}

// ItemUpdate sets the value of a key
type ItemUpdate struct {
	Value string `json:"value" example:"hello"`
}

func FromDomainItems(items []domainKv.Item) []Item {
	out := make([]Item, 0, len(items))
	for _, i := range items {
		out = append(out, Item{Key: i.Key, Value: string(i.Value)})
	}
	return out
}
