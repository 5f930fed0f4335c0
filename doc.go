// Package recordsdk captures the event stream of a session-recording engine
// and delivers it in batches to a collection endpoint.
//
// Events handed to OnEvent are stamped with a per-instance index, full
// snapshots are compressed, and everything is buffered in a bounded queue.
// A flush scheduler drains the queue on a fixed interval, merges SDK,
// per-recording and runtime tags, and hands the batch to a delivery
// pipeline that retries with jittered exponential backoff. Batches that
// still fail stay queued for the next flush. On Stop a final flush runs,
// and anything left over is written to the spool directory when one is
// configured, to be picked up by the next New.
//
//	sdk, err := recordsdk.Init(recordsdk.Config{
//		AppID:    "shop-web",
//		TenantID: "acme",
//	}, recordsdk.WithRecorder(rec))
//	if err != nil {
//		return err
//	}
//	defer sdk.Stop(context.Background())
package recordsdk

// Version is reported in the runtime user-agent tag.
const Version = "0.1.0"
