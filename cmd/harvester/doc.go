// Command harvester runs the problem harvesting service and its operator
// commands.
//
//	harvester serve                      # HTTP API plus the scheduler loop
//	harvester tick                       # claim and run one due batch
//	harvester test-crawl --url <url>     # robots check and one page fetch
//	harvester purge-logs --older-than-days 30
//	harvester sources import seed.yaml
//
// Every command accepts --config (YAML) and --env-file (.env) and reads
// HARVESTER_* environment overrides.
package main
