// Package commandqueue serializes work per lane.
//
// Tasks in one lane start in submission order, one at a time unless SetLimit raises the
// lane's limit. Different lanes never block each other. A task whose caller gives up
// before its turn never runs.
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	err := queue.Run(ctx, "session-abc", func(ctx context.Context) error {
//		return nil
//	})
package commandqueue
