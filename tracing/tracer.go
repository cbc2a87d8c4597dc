package tracing

import (
	"fmt"
	"reflect"
	"time"

	"github.com/sarchlab/pfmailbox/hooking"
	"github.com/sarchlab/pfmailbox/idgen"
	"github.com/sarchlab/pfmailbox/mailbox"
	"github.com/sarchlab/pfmailbox/regfifo"
	"github.com/sarchlab/pfmailbox/swchan"
	"github.com/sarchlab/pfmailbox/wire"
)

// A Tracer is a hook that turns mailbox hook invocations into records.
type Tracer struct {
	backend Backend
	ids     idgen.TraceIDGenerator
	now     func() time.Time
	filter  RecordFilter
}

// NewTracer creates a tracer writing to the backend.
func NewTracer(backend Backend) *Tracer {
	return &Tracer{
		backend: backend,
		ids:     idgen.NewTraceIDGenerator(false),
		now:     time.Now,
	}
}

// SetFilter makes the tracer drop every record the filter rejects.
func (t *Tracer) SetFilter(f RecordFilter) {
	t.filter = f
}

// CollectTrace lets the tracer record what happens at the domain.
func CollectTrace(domain hooking.NamedHookable, tracer *Tracer) {
	for _, hook := range domain.Hooks() {
		if hook == hooking.Hook(tracer) {
			panic(fmt.Sprintf("domain %s already has tracer %s",
				domain.Name(), reflect.TypeOf(tracer)))
		}
	}

	domain.AcceptHook(tracer)
}

// CollectMailbox attaches the tracer to every hookable part of a mailbox.
func CollectMailbox(m *mailbox.Mailbox, tracer *Tracer) {
	for _, d := range m.Hookables() {
		CollectTrace(d, tracer)
	}
}

// Func records the hook invocation.
func (t *Tracer) Func(ctx hooking.HookCtx) {
	r, ok := t.toRecord(ctx)
	if !ok {
		return
	}

	if t.filter != nil && !t.filter(r) {
		return
	}

	t.backend.Write(r)
}

func (t *Tracer) toRecord(ctx hooking.HookCtx) (Record, bool) {
	r := Record{Time: t.now()}

	if named, ok := ctx.Domain.(hooking.Named); ok {
		r.Where = named.Name()
	}

	switch item := ctx.Item.(type) {
	case wire.Packet:
		r.What = posName(ctx.Pos) + ":" + item.Type.String()
		r.MsgID = item.ID
		r.Bytes = len(item.Payload)
	case wire.SwHeader:
		r.What = posName(ctx.Pos)
		r.MsgID = item.ID
		r.Bytes = int(item.Size)
	case *mailbox.Message:
		r.What = posName(ctx.Pos) + ":" + item.Kind.String()
		r.MsgID = item.ID
		r.Bytes = item.Len()
	default:
		return r, false
	}

	if err, ok := ctx.Detail.(error); ok && err != nil {
		r.Err = err.Error()
	}

	r.ID = t.ids.Generate()

	return r, true
}

func posName(pos *hooking.HookPos) string {
	switch pos {
	case regfifo.HookPosPacketSend:
		return "packet_send"
	case regfifo.HookPosPacketRecv:
		return "packet_recv"
	case swchan.HookPosSlotPut:
		return "slot_put"
	case swchan.HookPosSlotTake:
		return "slot_take"
	case swchan.HookPosSlotDrop:
		return "slot_drop"
	case mailbox.HookPosMsgEnqueue:
		return "msg_enqueue"
	case mailbox.HookPosMsgStart:
		return "msg_start"
	case mailbox.HookPosMsgDone:
		return "msg_done"
	}

	if pos == nil {
		return "unknown"
	}

	return pos.Name
}
