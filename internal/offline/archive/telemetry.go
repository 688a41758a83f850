package archive

import (
	"context"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/bcgov/asa-go/internal/offline/archive"

type instruments struct {
	fetches   metric.Int64Counter
	coalesced metric.Int64Counter
	localHits metric.Int64Counter
	evictions metric.Int64Counter
}

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

func newInstruments(provider metric.MeterProvider) *instruments {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(instrumentationName)
	fallback := noop.Meter{}
	counter := func(name, description string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(description))
		if err != nil {
			log.Printf("archive: create counter %s: %v", name, err)
			c, _ = fallback.Int64Counter(name)
		}
		return c
	}
	return &instruments{
		fetches:   counter("asa.archive.fetches", "Remote tile archive fetches, by outcome"),
		coalesced: counter("asa.archive.coalesced", "Loads that joined an in-flight fetch"),
		localHits: counter("asa.archive.local_hits", "Loads served from local storage without fetching"),
		evictions: counter("asa.archive.evictions", "Stale archives deleted by reconciliation"),
	}
}

func (m *instruments) fetched(ctx context.Context, family, outcome string) {
	m.fetches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("family", family),
		attribute.String("outcome", outcome),
	))
}

func familyAttr(family string) metric.AddOption {
	return metric.WithAttributes(attribute.String("family", family))
}
