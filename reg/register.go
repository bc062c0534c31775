package reg

// RegisterPointSets aligns moving onto fixed and summarizes the outcome. With
// paired set, rows are taken as known correspondences and solved in closed
// form; otherwise CPD runs with cfg.
func RegisterPointSets(id, task string, fixed, moving PointSet, cfg CPDConfig, paired bool) (OutcomeRecord, RigidTransform, error) {
	if paired {
		t, err := EstimateRigidTransform(fixed, moving, nil)
		if err != nil {
			return OutcomeRecord{}, RigidTransform{}, err
		}
		return NewPairedRecord(id, task, t), t, nil
	}

	cpd, err := NewRigidCoherentPointDrift(fixed, moving, cfg)
	if err != nil {
		return OutcomeRecord{}, RigidTransform{}, err
	}
	if err := cpd.Run(); err != nil {
		return OutcomeRecord{}, RigidTransform{}, err
	}
	res, err := cpd.Result()
	if err != nil {
		return OutcomeRecord{}, RigidTransform{}, err
	}
	return NewCPDRecord(id, task, res), res.Transform, nil
}
