package main

import (
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

type GeoipMainWorker struct {
	*Worker

	config        *GeoipConfig
	inputChannel  <-chan *Flow
	outputChannel chan<- *Flow
}

func NewGeoipMainWorker(config *GeoipConfig, in <-chan *Flow, out chan<- *Flow) *GeoipMainWorker {
	return &GeoipMainWorker{
		Worker: NewWorker("geoip"),

		config:        config,
		inputChannel:  in,
		outputChannel: out,
	}
}

func (w *GeoipMainWorker) Run() error {
	defer close(w.outputChannel)

	workers := w.config.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		w.Spawn(NewGeoipWorker(i, w.config, w.inputChannel, w.outputChannel))
	}

	w.Wait()
	return nil
}

func (w *GeoipMainWorker) Stats() []Stats {
	return []Stats{
		{
			w.name: append([]Stats{
				{
					"Queue": len(w.inputChannel),
				},
			}, w.Worker.Stats()...),
		},
	}
}

type GeoipWorker struct {
	*Worker

	config        *GeoipConfig
	asnDb         *maxminddb.Reader
	countryDb     *maxminddb.Reader
	inputChannel  <-chan *Flow
	outputChannel chan<- *Flow

	Errors  uint64
	Lookups uint64
}

func NewGeoipWorker(i int, config *GeoipConfig, in <-chan *Flow, out chan<- *Flow) *GeoipWorker {
	return &GeoipWorker{
		Worker: NewWorker(fmt.Sprintf("resolver %d", i)),

		config:        config,
		inputChannel:  in,
		outputChannel: out,
	}
}

type geoipResult struct {
	ASN     uint32 `maxminddb:"autonomous_system_number"`
	Country struct {
		IsoCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	Organization string `maxminddb:"autonomous_system_organization"`
}

func (w *GeoipWorker) Init() error {
	var err error

	w.asnDb, err = maxminddb.Open(w.config.AsnPath)
	if err != nil {
		return err
	}

	w.countryDb, err = maxminddb.Open(w.config.CountryPath)
	if err != nil {
		return err
	}

	return nil
}

func (w *GeoipWorker) Run() error {
	defer w.asnDb.Close()
	defer w.countryDb.Close()

	for flow := range w.inputChannel {
		var source, destination geoipResult

		sourceIp := net.ParseIP(flow.SourceAddress)
		destinationIp := net.ParseIP(flow.DestinationAddress)

		if err := w.asnDb.Lookup(sourceIp, &source); err != nil {
			w.Errors++
			w.Log(err)
		} else {
			w.Lookups++
			if flow.SourceAs == 0 {
				flow.SourceAs = source.ASN
			}
			flow.SourceOrganization = source.Organization
		}

		if err := w.countryDb.Lookup(sourceIp, &source); err != nil {
			w.Errors++
			w.Log(err)
		} else {
			w.Lookups++
			flow.SourceCountry = source.Country.Names["en"]
			flow.SourceCountryCode = source.Country.IsoCode
		}

		if err := w.asnDb.Lookup(destinationIp, &destination); err != nil {
			w.Errors++
			w.Log(err)
		} else {
			w.Lookups++
			if flow.DestinationAs == 0 {
				flow.DestinationAs = destination.ASN
			}
			flow.DestinationOrganization = destination.Organization
		}

		if err := w.countryDb.Lookup(destinationIp, &destination); err != nil {
			w.Errors++
			w.Log(err)
		} else {
			w.Lookups++
			flow.DestinationCountry = destination.Country.Names["en"]
			flow.DestinationCountryCode = destination.Country.IsoCode
		}

		w.outputChannel <- flow
	}

	return nil
}

func (w *GeoipWorker) Stats() []Stats {
	return []Stats{
		{
			w.name: []Stats{
				{
					"Errors":  w.Errors,
					"Lookups": w.Lookups,
				},
			},
		},
	}
}
