package publish

import (
	"encoding/json"

	"github.com/solarwatt/core/internal/aggregator"
	"github.com/solarwatt/core/internal/stdkeys"
)

// ToJSON renders a Snapshot into the wire schema §6 defines for
// subscribers: every StandardKey at the top level, plus
// server_timestamp_ms_utc, snapshot_version, and
// plugin_connection_status.
func ToJSON(snap aggregator.Snapshot) ([]byte, error) {
	doc := make(map[string]any, len(snap.Values)+3)
	for k, v := range snap.Values {
		doc[string(k)] = scalarOf(v)
	}

	status := make(map[string]string, len(snap.PluginStatus))
	for instance, st := range snap.PluginStatus {
		status[instance] = string(st.State)
	}

	doc["server_timestamp_ms_utc"] = snap.ServerTimestamp.UnixMilli()
	doc["snapshot_version"] = snap.Version
	doc["plugin_connection_status"] = status

	return json.Marshal(doc)
}

func scalarOf(v stdkeys.Value) any {
	switch v.Kind {
	case stdkeys.KindNumber:
		return v.Number
	case stdkeys.KindInt:
		return v.Int
	case stdkeys.KindBool:
		return v.Bool
	case stdkeys.KindText:
		return v.Text
	case stdkeys.KindNumberList:
		return v.Nums
	case stdkeys.KindMapping:
		return v.Map
	default:
		return nil
	}
}
