// Command amqpdump decodes one direction of a captured AMQP 1.0 byte
// stream and prints its protocol headers and frames.
//
//	amqpdump [--messages] [--max-frame-size n] [file]
//
// The stream is read from stdin when no file is given.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/acogoluegnes/qpid-protonj2/encoding"
	"github.com/acogoluegnes/qpid-protonj2/frames"
	"github.com/acogoluegnes/qpid-protonj2/internal/buffer"
)

func main() {
	var (
		messages     = pflag.BoolP("messages", "m", false, "decode single frame transfer payloads as messages")
		maxFrameSize = pflag.Uint32("max-frame-size", 1<<20, "largest frame accepted")
		verbosity    = pflag.IntP("verbose", "v", 0, "log verbosity")
	)
	pflag.Parse()

	stdr.SetVerbosity(*verbosity)
	logger := stdr.New(log.New(os.Stderr, "amqpdump: ", 0))

	in := io.Reader(os.Stdin)
	if path := pflag.Arg(0); path != "" {
		f, err := os.Open(path)
		if err != nil {
			logger.Error(err, "open capture")
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	d := dumper{
		out:          os.Stdout,
		log:          logger,
		messages:     *messages,
		maxFrameSize: *maxFrameSize,
	}
	if err := d.dump(in); err != nil {
		logger.Error(err, "decode failed")
		os.Exit(1)
	}
}

type dumper struct {
	out          io.Writer
	log          logr.Logger
	messages     bool
	maxFrameSize uint32
}

// dump prints everything decodable in r. A protocol header is expected
// at the start and again after a SASL outcome.
func (d *dumper) dump(r io.Reader) error {
	var (
		buf        buffer.Buffer
		wantHeader = true
		offset     int64
		eof        bool
	)

	for {
		before := buf.Len()
		progress, err := d.next(&buf, &wantHeader)
		offset += int64(before - buf.Len())
		if err != nil {
			return errors.Wrapf(err, "offset %d", offset)
		}
		if progress {
			continue
		}

		if eof {
			if buf.Len() > 0 {
				return errors.Errorf("offset %d: %d trailing bytes", offset, buf.Len())
			}
			return nil
		}
		buf.Reclaim()
		err = buf.ReadFromOnce(r)
		if err == io.EOF {
			eof = true
		} else if err != nil {
			return errors.Wrap(err, "read")
		}
	}
}

// next decodes one header or frame when enough bytes are buffered.
func (d *dumper) next(buf *buffer.Buffer, wantHeader *bool) (bool, error) {
	if *wantHeader {
		h, ok, err := frames.ReadProtoHeader(buf)
		if !ok || err != nil {
			return false, err
		}
		*wantHeader = false
		fmt.Fprintln(d.out, h)
		return true, nil
	}

	fr, ok, err := frames.ReadFrame(buf, d.maxFrameSize)
	if !ok || err != nil {
		return false, err
	}
	fmt.Fprintf(d.out, "[%d] %s\n", fr.Channel, describe(fr))

	switch body := fr.Body.(type) {
	case *frames.SASLOutcome:
		*wantHeader = true
	case *frames.Transfer:
		if d.messages && !body.More && !body.Aborted && len(body.Payload) > 0 {
			d.printMessage(body.Payload)
		}
	}
	return true, nil
}

func (d *dumper) printMessage(payload []byte) {
	var m encoding.Message
	if err := m.Unmarshal(buffer.New(payload)); err != nil {
		d.log.V(1).Info("payload is not a message", "error", err.Error())
		return
	}
	if m.Properties != nil {
		fmt.Fprintf(d.out, "    properties: %+v\n", *m.Properties)
	}
	if len(m.ApplicationProperties) > 0 {
		fmt.Fprintf(d.out, "    application-properties: %v\n", m.ApplicationProperties)
	}
	for _, data := range m.Data {
		fmt.Fprintf(d.out, "    data: %q\n", data)
	}
	if m.Value != nil {
		fmt.Fprintf(d.out, "    value: %v\n", m.Value)
	}
}

func describe(fr frames.Frame) string {
	if fr.Body == nil {
		return "heartbeat"
	}
	if s, ok := fr.Body.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T%+v", fr.Body, fr.Body)
}
