// Command tracedump decodes a recorded fabric trace run and prints its event log, optionally
// running the causal/ordering checks from internal/critic over it.
package main

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"seqfabric/internal/critic"
)

type manifest struct {
	Version    int    `json:"version"`
	CreatedAt  string `json:"created_at"`
	EventsPath string `json:"events_path"`
	FramesPath string `json:"frames_path"`
}

type eventRecord struct {
	Kind       string  `json:"kind"`
	ClientID   uint32  `json:"client_id"`
	PublishSeq float64 `json:"publish_seq,omitempty"`
	ReceiveSeq float64 `json:"receive_seq,omitempty"`
	Channel    string  `json:"channel,omitempty"`
	PayloadB64 string  `json:"payload_b64,omitempty"`
	CapturedAt string  `json:"captured_at"`
}

func main() {
	var (
		runDir     = flag.String("run", "", "path to a recorded trace run directory (contains manifest.json)")
		dumpFrames = flag.Bool("frames", false, "also decode and print the raw frame log")
		runCritic  = flag.Bool("critic", false, "run causal/ordering checks over the decoded events")
	)
	flag.Parse()

	if *runDir == "" {
		fmt.Fprintln(os.Stderr, "usage: tracedump -run <dir> [-frames] [-critic]")
		os.Exit(2)
	}

	man, err := readManifest(*runDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read manifest: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("run %s, recorded %s\n", *runDir, man.CreatedAt)

	records, err := readEvents(filepath.Join(*runDir, man.EventsPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read events: %v\n", err)
		os.Exit(1)
	}

	for i, rec := range records {
		payload, _ := base64.StdEncoding.DecodeString(rec.PayloadB64)
		fmt.Printf("%6d %-8s client=%d publish_seq=%g receive_seq=%g channel=%q payload_bytes=%d at=%s\n",
			i, rec.Kind, rec.ClientID, rec.PublishSeq, rec.ReceiveSeq, rec.Channel, len(payload), rec.CapturedAt)
	}

	if *dumpFrames {
		if err := dumpFrameLog(filepath.Join(*runDir, man.FramesPath)); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read frames: %v\n", err)
			os.Exit(1)
		}
	}

	if *runCritic {
		diagnostics := critic.Check(toCriticEvents(records))
		if len(diagnostics) == 0 {
			fmt.Println("critic: no violations found")
			return
		}
		for _, d := range diagnostics {
			fmt.Printf("critic: event %d: %s\n", d.Index, d.Message)
		}
		os.Exit(1)
	}
}

func readManifest(dir string) (manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return manifest{}, err
	}
	var man manifest
	if err := json.Unmarshal(data, &man); err != nil {
		return manifest{}, err
	}
	return man, nil
}

func readEvents(path string) ([]eventRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := snappy.NewReader(f)
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var records []eventRecord
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec eventRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// dumpFrameLog steps through the length-prefixed frame log written by trace.Recorder.flushLocked:
// an 8-byte little-endian capture timestamp, an 8-byte big-endian IEEE-754 sequence number, a
// 4-byte little-endian payload length, then the payload itself.
func dumpFrameLog(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer decoder.Close()

	header := make([]byte, 20)
	index := 0
	for {
		if _, err := io.ReadFull(decoder, header); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		capturedAtNanos := int64(binary.LittleEndian.Uint64(header[0:8]))
		seqNum := math.Float64frombits(binary.BigEndian.Uint64(header[8:16]))
		payloadLen := binary.LittleEndian.Uint32(header[16:20])

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(decoder, payload); err != nil {
			return err
		}
		fmt.Printf("frame %6d seq=%g captured_at_unix_nanos=%d bytes=%d\n", index, seqNum, capturedAtNanos, len(payload))
		index++
	}
}

func toCriticEvents(records []eventRecord) critic.EventList {
	events := make(critic.EventList, 0, len(records))
	for _, rec := range records {
		switch rec.Kind {
		case "publish":
			events = append(events, critic.Event{
				Kind:       critic.EventPublish,
				Publisher:  rec.ClientID,
				PublishSeq: rec.PublishSeq,
			})
		case "deliver":
			events = append(events, critic.Event{
				Kind:       critic.EventReceive,
				Recipient:  rec.ClientID,
				PublishSeq: rec.PublishSeq,
				ReceiveSeq: rec.ReceiveSeq,
			})
		case "grant":
			events = append(events, critic.Event{
				Kind:   critic.EventSequence,
				SeqNum: rec.ReceiveSeq,
			})
		}
	}
	return events
}
