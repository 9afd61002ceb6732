// Package mapping declares how an entity type maps onto an ISAM table.
//
// A Builder collects one identity field, data fields, an optional version
// field and named secondary indexes through a fluent API:
//
//	b := mapping.New[Stock](nil, nil)
//	b.Identity(func(s *Stock) any { return &s.Symbol })
//	b.Field(func(s *Stock) any { return &s.Name }).NotNull()
//	b.Field(func(s *Stock) any { return &s.Price })
//	b.IndexOn(func(s *Stock) any { return &s.Name }, "Name").AllowNull(false)
//	m, err := b.Build()
//
// Every call validates what it can immediately and the first failure sticks
// to the builder; Build reports it together with the structural checks that
// need the whole declaration. The resulting EntityMapping is immutable and
// safe for concurrent readers.
package mapping
