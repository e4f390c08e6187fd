package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// MarkDeletedIfMissing tombstones the newest version of every key whose
// source file no longer exists. Older versions are left as they are. It
// returns the number of keys tombstoned; sources that cannot be checked
// are reported and left alone.
func (a *Archive) MarkDeletedIfMissing(ctx context.Context) (int, Failures, error) {
	if err := a.checkOpen(); err != nil {
		return 0, nil, err
	}
	var (
		failures Failures
		marked   int
	)
	collect := func(f Failure) { failures = append(failures, f) }

	keys := a.cat.Keys()
	for i, key := range keys {
		if err := ctx.Err(); err != nil {
			return marked, failures, err
		}
		newest, ok := a.cat.FindNewest(key)
		if !ok || newest.Deleted {
			continue
		}
		_, err := os.Lstat(key)
		switch {
		case err == nil:
			continue
		case errors.Is(err, fs.ErrNotExist):
			newest.Deleted = true
			marked++
			a.log().Debug("tombstoned", "key", key, "version", newest.Version)
			a.report(ProgressEvent{
				Stage:      StageTombstoning,
				Path:       key,
				Message:    fmt.Sprintf("%s version %d marked deleted", key, newest.Version),
				FilesDone:  i + 1,
				FilesTotal: len(keys),
			})
		default:
			a.fault(StageTombstoning, collect, key, "stat", err)
		}
	}
	a.log().Info("missing sources tombstoned", "count", marked)
	return marked, failures, nil
}
