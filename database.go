package main

import (
	"database/sql"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/kshvakov/clickhouse"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Flow is the export-pipeline currency: a flattened, accepted flow
// record that the iana/snmp/geoip workers enrich in place before the
// database workers turn it into a row.
type Flow struct {
	Host      string
	Received  uint32
	Tag       uint32
	IpVersion uint8

	TransportProtocol    string
	TransportProtocolRaw uint8

	SourceAddress      string
	SourceAs           uint32
	SourceInterface    string
	SourcePort         string
	SourcePortRaw      uint16
	SourceOrganization string
	SourceCountry      string
	SourceCountryCode  string

	DestinationAddress      string
	DestinationAs           uint32
	DestinationInterface    string
	DestinationPort         string
	DestinationPortRaw      uint16
	DestinationOrganization string
	DestinationCountry      string
	DestinationCountryCode  string

	Packets uint64
	Bytes   uint64
}

func NewFlow(rec *FlowRecord) *Flow {
	return &Flow{
		Host:      rec.AgentAddr.String(),
		Received:  rec.RecvSecs,
		Tag:       rec.Tag,
		IpVersion: uint8(rec.SrcAddr.Family),

		TransportProtocolRaw: rec.Protocol,

		SourceAddress:   rec.SrcAddr.String(),
		SourceAs:        uint32(rec.SrcAS),
		SourceInterface: strconv.Itoa(int(rec.IfIndexIn)),
		SourcePortRaw:   rec.SrcPort,

		DestinationAddress:   rec.DstAddr.String(),
		DestinationAs:        uint32(rec.DstAS),
		DestinationInterface: strconv.Itoa(int(rec.IfIndexOut)),
		DestinationPortRaw:   rec.DstPort,

		Packets: rec.Packets,
		Bytes:   rec.Octets,
	}
}

type DatabaseRow struct {
	Host                    string
	Received                uint32
	Tag                     uint32
	TransportProtocol       string
	TransportProtocolRaw    uint8
	SourceAddress           string
	SourceAs                uint32
	SourceInterface         string
	SourcePort              uint16
	SourceCountry           string
	SourceOrganization      string
	DestinationAddress      string
	DestinationAs           uint32
	DestinationInterface    string
	DestinationPort         uint16
	DestinationCountry      string
	DestinationOrganization string
	Packets                 uint64
	Bytes                   uint64
}

func NewDatabaseRow(f *Flow) DatabaseRow {
	return DatabaseRow{
		Host:                    f.Host,
		Received:                f.Received,
		Tag:                     f.Tag,
		TransportProtocol:       f.TransportProtocol,
		TransportProtocolRaw:    f.TransportProtocolRaw,
		SourceAddress:           f.SourceAddress,
		SourceAs:                f.SourceAs,
		SourceInterface:         f.SourceInterface,
		SourcePort:              f.SourcePortRaw,
		SourceCountry:           f.SourceCountry,
		SourceOrganization:      f.SourceOrganization,
		DestinationAddress:      f.DestinationAddress,
		DestinationAs:           f.DestinationAs,
		DestinationInterface:    f.DestinationInterface,
		DestinationPort:         f.DestinationPortRaw,
		DestinationCountry:      f.DestinationCountry,
		DestinationOrganization: f.DestinationOrganization,
		Packets:                 f.Packets,
		Bytes:                   f.Bytes,
	}
}

func (r DatabaseRow) Fields() []string {
	structType := reflect.TypeOf(r)
	fieldSlice := make([]string, structType.NumField())

	for i := range fieldSlice {
		fieldSlice[i] = structType.Field(i).Name
	}
	return fieldSlice
}

func (r DatabaseRow) InsertStatement(tableName string) string {
	fieldSlice := r.Fields()
	valueSlice := make([]string, len(fieldSlice))
	for i := range fieldSlice {
		valueSlice[i] = "?"
	}

	columns := strings.Join(fieldSlice, ", ")
	values := strings.Join(valueSlice, ", ")

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", tableName, columns, values)
}

func (r DatabaseRow) Values() []interface{} {
	structValue := reflect.ValueOf(r)
	valueSlice := make([]interface{}, structValue.NumField())

	for i := range valueSlice {
		valueSlice[i] = structValue.Field(i).Interface()
	}

	return valueSlice
}

type DatabaseWorker struct {
	*Worker

	config       *DatabaseConfig
	db           *sql.DB
	inputChannel <-chan *Flow

	Errors  uint64
	Inserts uint64
}

func NewDatabaseWorker(i int, config *DatabaseConfig, in <-chan *Flow) *DatabaseWorker {
	return &DatabaseWorker{
		Worker: NewWorker(fmt.Sprintf("writer %d", i)),

		config:       config,
		inputChannel: in,
	}
}

func (w *DatabaseWorker) Run() error {
	var err error

	w.db, err = sql.Open(w.config.Driver, w.config.Address)
	if err != nil {
		w.Errors++
		return err
	}
	defer w.db.Close()
	w.Log("connected to the database")

	sqlStatement := DatabaseRow{}.InsertStatement(w.config.Table)

	for {
		flow, open := <-w.inputChannel
		if !open {
			return nil
		}

		batch := make([]*Flow, 1, w.config.BatchSize)
		batch[0] = flow
	fill:
		for len(batch) < w.config.BatchSize {
			select {
			case flow, open := <-w.inputChannel:
				if !open {
					break fill
				}
				batch = append(batch, flow)
			default:
				break fill
			}
		}

		if err := w.insert(sqlStatement, batch); err != nil {
			w.Errors++
			w.Log(err)
			time.Sleep(time.Second)
		}
	}
}

func (w *DatabaseWorker) insert(sqlStatement string, batch []*Flow) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(sqlStatement)
	if err != nil {
		tx.Rollback()
		return err
	}

	for _, flow := range batch {
		if _, err := stmt.Exec(NewDatabaseRow(flow).Values()...); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	w.Inserts += uint64(len(batch))

	return nil
}

func (w *DatabaseWorker) Stats() []Stats {
	return []Stats{
		{
			w.name: []Stats{
				{
					"Errors":  w.Errors,
					"Inserts": w.Inserts,
				},
			},
		},
	}
}

type MainDatabaseWorker struct {
	*Worker

	config       *DatabaseConfig
	inputChannel <-chan *Flow
}

func NewMainDatabaseWorker(config *DatabaseConfig, in <-chan *Flow) *MainDatabaseWorker {
	return &MainDatabaseWorker{
		Worker: NewWorker("database"),

		config:       config,
		inputChannel: in,
	}
}

func (w *MainDatabaseWorker) Run() error {
	for i := 0; i < w.config.Workers; i++ {
		w.Spawn(NewDatabaseWorker(i, w.config, w.inputChannel))
	}

	w.Wait()
	return nil
}

func (w *MainDatabaseWorker) Stats() []Stats {
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
