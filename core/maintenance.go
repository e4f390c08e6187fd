package backup

import "context"

// MaintenanceReport summarizes a RunMaintenance pass.
type MaintenanceReport struct {
	Hash   HashReport
	Dedup  DedupReport
	Defrag DefragReport
}

// Failures returns every per-file fault of the pass.
func (r MaintenanceReport) Failures() Failures {
	var all Failures
	all = append(all, r.Hash.Failures...)
	all = append(all, r.Dedup.Failures...)
	all = append(all, r.Defrag.Failures...)
	return all
}

// RunMaintenance computes missing hashes, links duplicates and compacts
// every container, in that order, then saves the catalogue.
//
// The returned error is non-nil only when the pass could not continue:
// cancellation, a closed archive, or a catalogue that cannot be written.
// Per-file faults are collected in the report.
func (a *Archive) RunMaintenance(ctx context.Context) (MaintenanceReport, error) {
	var report MaintenanceReport
	var err error

	a.log().Info("maintenance started", "entries", a.cat.Len())
	if report.Hash, err = a.ComputeMissingHashes(ctx); err != nil {
		return report, err
	}
	if report.Dedup, err = a.Deduplicate(ctx); err != nil {
		return report, err
	}
	if err := a.Save(); err != nil {
		return report, err
	}
	if report.Defrag, err = a.DefragmentAll(ctx); err != nil {
		return report, err
	}
	if err := a.Save(); err != nil {
		return report, err
	}
	a.log().Info("maintenance finished",
		"hashed", report.Hash.Hashed,
		"verified", report.Hash.Verified,
		"linked", report.Dedup.Linked,
		"reclaimed", sizeMessage(report.Defrag.Reclaimed),
		"failures", len(report.Failures()))
	return report, nil
}
