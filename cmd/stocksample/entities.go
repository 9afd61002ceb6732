package main

import (
	"time"

	"github.com/google/uuid"

	"github.com/isamap/isamap/internal/mapping"
)

type Stock struct {
	Symbol string
	Name   string
	Price  float64
	Shares int32
}

type Event struct {
	Id          uuid.UUID
	InstanceNum int32
	Description string
	Price       float64
	StartTime   time.Time
}

func stockMapping() (*mapping.EntityMapping[Stock], error) {
	b := mapping.New[Stock](nil, nil)
	b.Identity(func(s *Stock) any { return &s.Symbol })
	b.Field(func(s *Stock) any { return &s.Name }).NotNull()
	b.Field(func(s *Stock) any { return &s.Price })
	b.Field(func(s *Stock) any { return &s.Shares })
	b.IndexOn(func(s *Stock) any { return &s.Name }, "Name").AllowNull(false)
	return b.Build()
}

func eventMapping() (*mapping.EntityMapping[Event], error) {
	b := mapping.New[Event](nil, nil)
	b.Identity(func(e *Event) any { return &e.Id })
	b.Field(func(e *Event) any { return &e.InstanceNum })
	b.Field(func(e *Event) any { return &e.Description })
	b.Field(func(e *Event) any { return &e.Price })
	b.Field(func(e *Event) any { return &e.StartTime })
	b.IndexOn(func(e *Event) any { return &e.StartTime }, "StartTime")
	return b.Build()
}
