package migrations

// RetentionPolicies bounds the growth of the time-series tables. Raw
// position samples are only operationally interesting for a few days;
// stats snapshots keep a quarter.
var RetentionPolicies = &Migration{
	Name: "002_retention_policies",
	UpSQL: `
		SELECT add_retention_policy('position_samples', INTERVAL '7 days', if_not_exists => TRUE);

		DELETE FROM system_stats WHERE time < NOW() - INTERVAL '90 days';
	`,
	DownSQL: `
		SELECT remove_retention_policy('position_samples', if_exists => TRUE);
	`,
}
