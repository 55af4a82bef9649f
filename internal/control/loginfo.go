package control

import (
	"encoding/binary"

	"github.com/mct-labs/go-mctd/internal/filter"
	"github.com/mct-labs/go-mctd/internal/protocol"
	"github.com/mct-labs/go-mctd/internal/registry"
)

// Option flags of GET_LOG_INFO responses: 4/6/7 include log levels, 5/6/7
// trace statuses, 7 adds descriptions.
func optionIncludesLogLevel(opt uint8) bool    { return opt == 4 || opt == 6 || opt == 7 }
func optionIncludesTraceStatus(opt uint8) bool { return opt == 5 || opt == 6 || opt == 7 }
func optionIncludesDescription(opt uint8) bool { return opt == 7 }

// logInfoApp groups the matched contexts of one application
type logInfoApp struct {
	app      *registry.Application
	contexts []*registry.Context
}

// collectLogInfo resolves the request wildcards against the user list
func collectLogInfo(list *registry.UserList, apid, ctid protocol.ID) []logInfoApp {
	var out []logInfoApp
	for _, app := range list.Applications {
		if !apid.Matches(app.Apid) {
			continue
		}
		var matched []*registry.Context
		for _, ctx := range app.Contexts {
			if ctid.Matches(ctx.Ctid) {
				matched = append(matched, ctx)
			}
		}
		if len(matched) > 0 {
			out = append(out, logInfoApp{app: app, contexts: matched})
		}
	}
	return out
}

// GetLogInfoResponse assembles the full response payload:
// {sid, option, count_apids, per-apid{apid, count_ctids, per-ctid{ctid,
// [ll], [ts], [desc]}, [app_desc]}, "remo". When nothing matches, the
// option byte degrades to the no-match sentinel with an empty app list.
func GetLogInfoResponse(list *registry.UserList, req *GetLogInfoRequest) []byte {
	opt := req.Options
	if opt < protocol.MCT_SERVICE_GET_LOG_INFO_OPT_MIN || opt > protocol.MCT_SERVICE_GET_LOG_INFO_OPT_FULL {
		opt = protocol.MCT_SERVICE_GET_LOG_INFO_OPT_FULL
	}

	var apps []logInfoApp
	if list != nil {
		apps = collectLogInfo(list, req.Apid, req.Ctid)
	}
	if len(apps) == 0 {
		opt = protocol.MCT_SERVICE_GET_LOG_INFO_OPT_NO_MATCH
	}

	buf := make([]byte, 0, 64)
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], protocol.MCT_SERVICE_ID_GET_LOG_INFO)
	buf = append(buf, u32[:]...)
	buf = append(buf, opt)

	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], uint16(len(apps)))
	buf = append(buf, u16[:]...)

	for _, entry := range apps {
		buf = append(buf, entry.app.Apid[:]...)
		binary.LittleEndian.PutUint16(u16[:], uint16(len(entry.contexts)))
		buf = append(buf, u16[:]...)

		for _, ctx := range entry.contexts {
			buf = append(buf, ctx.Ctid[:]...)
			if optionIncludesLogLevel(opt) {
				buf = append(buf, byte(ctx.LogLevel))
			}
			if optionIncludesTraceStatus(opt) {
				buf = append(buf, byte(ctx.TraceStatus))
			}
			if optionIncludesDescription(opt) {
				binary.LittleEndian.PutUint16(u16[:], uint16(len(ctx.Description)))
				buf = append(buf, u16[:]...)
				buf = append(buf, ctx.Description...)
			}
		}
		if optionIncludesDescription(opt) {
			binary.LittleEndian.PutUint16(u16[:], uint16(len(entry.app.Description)))
			buf = append(buf, u16[:]...)
			buf = append(buf, entry.app.Description...)
		}
	}

	return append(buf, protocol.GetLogInfoRemoTag[:]...)
}

// filterStatusNameLen fixes the name field width in GET_FILTER_STATUS
const filterStatusNameLen = 32

// GetFilterStatusResponse emits the current configuration: name, level
// range, client mask, the two bit-exact control mask bands, and the
// flattened injection allow-list.
func GetFilterStatusResponse(mf *filter.MessageFilter) []byte {
	buf := ServiceResponse(protocol.MCT_SERVICE_ID_GET_FILTER_STATUS, protocol.MCT_SERVICE_RESPONSE_OK)
	curr := mf.Current

	var name [filterStatusNameLen]byte
	copy(name[:], curr.Name)
	buf = append(buf, name[:]...)

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(curr.LevelMin))
	buf = append(buf, u32[:]...)
	binary.LittleEndian.PutUint32(u32[:], uint32(curr.LevelMax))
	buf = append(buf, u32[:]...)
	binary.LittleEndian.PutUint32(u32[:], curr.ClientMask)
	buf = append(buf, u32[:]...)

	lower, upper := curr.CtrlMask.Bands()
	buf = append(buf, lower[:]...)
	buf = append(buf, upper[:]...)

	binary.LittleEndian.PutUint32(u32[:], uint32(int32(curr.NumInjections)))
	buf = append(buf, u32[:]...)
	for i, name := range curr.Injections {
		if i > 0 {
			buf = append(buf, ';')
		}
		buf = append(buf, name...)
	}
	return buf
}
