package main

import (
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	mbp "go.chronal.dev/core/mainboilerplate"
	"go.chronal.dev/core/txenc"
	"go.chronal.dev/core/txlog"
)

const iniFilename = "chronctl.ini"

// Config is the top-level configuration object of chronctl.
var Config = new(struct {
	Log mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

type cmdLogsDump struct {
	Path    string `long:"path" required:"true" description:"Filesystem root of log segments"`
	After   int64  `long:"after" default:"-1" description:"Dump records with offsets greater than this"`
	Summary bool   `long:"summary" description:"Decode Tx records and print per-op summaries"`
}

func (cmd *cmdLogsDump) Execute([]string) error {
	mbp.InitLog(Config.Log)

	var alloc = memory.NewGoAllocator()
	return txlog.Replay(cmd.Path, cmd.After, func(rec txlog.Record) error {
		switch msg := rec.Message.(type) {
		case txlog.TxMessage:
			fmt.Printf("%d\t%s\ttx\t%s\n", rec.Offset,
				rec.Timestamp.Format(time.RFC3339Nano), humanize.IBytes(uint64(len(msg.Payload))))
			if cmd.Summary {
				printTxSummary(alloc, msg.Payload)
			}
		case txlog.FlushChunkMessage:
			fmt.Printf("%d\t%s\tflush-chunk\texpected-tx-id=%d\n", rec.Offset,
				rec.Timestamp.Format(time.RFC3339Nano), msg.ExpectedTxID)
		case txlog.TriesAddedMessage:
			fmt.Printf("%d\t%s\ttries-added\t%d tries\n", rec.Offset,
				rec.Timestamp.Format(time.RFC3339Nano), len(msg.Tries))
		}
		return nil
	})
}

func printTxSummary(alloc memory.Allocator, payload []byte) {
	var env, err = txenc.DecodeRecord(alloc, payload)
	if err != nil {
		fmt.Printf("\t! undecodable: %v\n", err)
		return
	}
	defer env.Close()

	for {
		var op, err = env.Next()
		if err != nil {
			break
		}
		switch op := op.(type) {
		case txenc.SQL:
			fmt.Printf("\tsql %q (%d parameter rows)\n", op.Query, len(op.Args))
		case txenc.PutDocs:
			fmt.Printf("\tput-docs %s (%d documents)\n", op.Table, len(op.Docs))
		case txenc.PatchDocs:
			fmt.Printf("\tpatch-docs %s (%d documents)\n", op.Table, len(op.Docs))
		case txenc.DeleteDocs:
			fmt.Printf("\tdelete-docs %s (%d iids)\n", op.Table, len(op.IIDs))
		case txenc.EraseDocs:
			fmt.Printf("\terase-docs %s (%d iids)\n", op.Table, len(op.IIDs))
		default:
			fmt.Printf("\t%s\n", op.Variant())
		}
	}
}

type cmdLogsVerify struct {
	Path string `long:"path" required:"true" description:"Filesystem root of log segments"`
}

func (cmd *cmdLogsVerify) Execute([]string) error {
	mbp.InitLog(Config.Log)

	var count, bytes int64
	var expect int64 = -1

	var err = txlog.Replay(cmd.Path, -1, func(rec txlog.Record) error {
		if expect != -1 && rec.Offset != expect {
			return fmt.Errorf("offset gap: expected %d, read %d", expect, rec.Offset)
		}
		expect = rec.Offset + 1
		count++
		if msg, ok := rec.Message.(txlog.TxMessage); ok {
			bytes += int64(len(msg.Payload))
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"records": count,
		"txBytes": humanize.IBytes(uint64(bytes)),
	}).Info("verified log directory")
	fmt.Printf("%d records, %s of tx payloads, offsets dense through %d\n",
		count, humanize.IBytes(uint64(bytes)), expect-1)
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	parser.LongDescription = `chronctl is a tool for inspecting chronal transaction logs.

See --help pages of each sub-command for documentation and usage examples.
Optionally configure chronctl with a '` + iniFilename + `' file in the current
working directory, or with '~/.config/chronal/` + iniFilename + `'.
`

	var logs = mustAddCmd(parser.Command, "logs", "Interact with transaction logs", "")
	_ = mustAddCmd(logs, "dump", "Dump records of a local log directory",
		"Read a local log directory offline, printing each record.", new(cmdLogsDump))
	_ = mustAddCmd(logs, "verify", "Verify a local log directory",
		"Re-frame the whole directory, checking CRCs and offset density.", new(cmdLogsVerify))

	mbp.MustParseConfig(parser, iniFilename)
}

func mustAddCmd(cmd *flags.Command, name, short, long string, cfg ...interface{}) *flags.Command {
	var data interface{} = &struct{}{}
	if len(cfg) != 0 {
		data = cfg[0]
	}
	cmd, err := cmd.AddCommand(name, short, long, data)
	mbp.Must(err, "failed to add command")
	return cmd
}
