package async

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ValentinKolb/aeroloop/lib/model"
	"github.com/ValentinKolb/aeroloop/rpc/proto"
)

// writeTxnFields adds the transaction id, the version read earlier in the
// transaction and, for writes, the monitor deadline
func writeTxnFields(w *proto.Writer, txn *model.Txn, key *model.Key, hasWrite bool) {
	if txn == nil {
		return
	}
	w.FieldMRTID(txn.ID())
	if v, ok := txn.GetReadVersion(key); ok {
		w.FieldRecordVersion(v)
	}
	if hasWrite && txn.Deadline() != 0 {
		w.FieldMRTDeadline(txn.Deadline())
	}
}

// writeAttrs maps the write policy to info2, info3 and the expected generation
func writeAttrs(wp *model.WritePolicy) (info2, info3 uint8, generation uint32) {
	info2 = proto.Info2Write
	switch wp.RecordExistsAction {
	case model.RecordUpdateOnly:
		info3 |= proto.Info3UpdateOnly
	case model.RecordReplace:
		info3 |= proto.Info3CreateOrReplace
	case model.RecordCreateOnly:
		info2 |= proto.Info2CreateOnly
	}
	if wp.GenerationPolicy == model.GenerationExpectEqual {
		info2 |= proto.Info2Generation
		generation = wp.Generation
	}
	if wp.DurableDelete {
		info2 |= proto.Info2DurableDelete
	}
	return info2, info3, generation
}

// readAttrs maps read policy settings to info1 and info3
func readAttrs(policy *model.BasePolicy, binNames []string, headerOnly bool) (info1, info3 uint8) {
	info1 = proto.Info1Read
	switch {
	case headerOnly:
		info1 |= proto.Info1NoBinData
	case len(binNames) == 0:
		info1 |= proto.Info1GetAll
	}
	switch policy.ReadModeSC {
	case model.ReadModeSCLinearize:
		info3 |= proto.Info3SCReadType
	case model.ReadModeSCAllowReplica:
		info3 |= proto.Info3SCReadRelax
	case model.ReadModeSCAllowUnavailable:
		info3 |= proto.Info3SCReadType | proto.Info3SCReadRelax
	}
	return info1, info3
}

// operateAttrs derives the info bits of a mixed op list
func operateAttrs(ops []*model.Operation, respondAll bool) (info1, info2 uint8) {
	for _, op := range ops {
		switch {
		case op.Type == model.OpRead && op.BinName == "":
			info1 |= proto.Info1Read | proto.Info1GetAll
		case op.Type == model.OpRead:
			info1 |= proto.Info1Read
		case op.Type == model.OpDelete:
			info2 |= proto.Info2Write | proto.Info2Delete
		default:
			info2 |= proto.Info2Write
		}
	}
	if respondAll && info2&proto.Info2Write != 0 {
		info2 |= proto.Info2RespondAllOps
	}
	return info1, info2
}

// --------------------------------------------------------------------------
// UDF failures
// --------------------------------------------------------------------------

// UDFFailure is the failure a server reports in the FAILURE bin of a
// UDF_BAD_RESPONSE, split into "file:line: message" when it has that form
type UDFFailure struct {
	File    string
	Line    int
	Message string
}

func (f *UDFFailure) Error() string {
	if f.File == "" {
		return f.Message
	}
	return fmt.Sprintf("%s:%d: %s", f.File, f.Line, f.Message)
}

// ParseUDFFailure splits a FAILURE string. Strings without a numeric line
// field come back whole as the message.
func ParseUDFFailure(s string) *UDFFailure {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) == 3 {
		if line, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil {
			return &UDFFailure{
				File:    strings.TrimSpace(parts[0]),
				Line:    line,
				Message: strings.TrimSpace(parts[2]),
			}
		}
	}
	return &UDFFailure{Message: s}
}

// resultError converts a nonzero row or record result code. A UDF failure
// string is carried as cause.
func resultError(code model.ResultCode, bins model.BinMap) *model.Error {
	e := model.NewResultCodeError(code)
	if code != model.UDFBadResponse || bins == nil {
		return e
	}
	if s, ok := bins["FAILURE"].(string); ok {
		f := ParseUDFFailure(s)
		e.Message = "udf: " + f.Error()
		e.Cause = f
	}
	return e
}
