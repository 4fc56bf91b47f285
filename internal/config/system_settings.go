package config

import (
	"os"
	"strconv"
)

const DATABASE_TYPE = "DAGF_DATABASE_TYPE"
const DATABASE_URL = "DAGF_DATABASE_URL"
const DATABASE_SQLLITE_FILE_NAME = "DAGF_DATABASE_SQLLITE_FILE_NAME"
const ENGINE_NAME = "DAGF_ENGINE_NAME"
const ENGINE_CAPABILITIES = "DAGF_ENGINE_CAPABILITIES" //comma separated, matched against node requiredCapabilities
const ENGINE_POLL_INTERVAL = "DAGF_ENGINE_POLL_INTERVAL"
const ENGINE_WORKER_COUNT = "DAGF_ENGINE_WORKER_COUNT" //number of workers ie how many instances execute in parallel
const ENGINE_QUEUE_SIZE = "DAGF_ENGINE_QUEUE_SIZE"     //number of claimed instances buffered for the workers
const ENGINE_BATCH_SIZE = "DAGF_ENGINE_BATCH_SIZE"     //number of due instances to pull from the database at a time
const ENGINE_LOCK_TTL = "DAGF_ENGINE_LOCK_TTL"
const ENGINE_HEARTBEAT_INTERVAL = "DAGF_ENGINE_HEARTBEAT_INTERVAL"
const ENGINE_RECOVERY_INTERVAL = "DAGF_ENGINE_RECOVERY_INTERVAL"
const SCHEDULER_POLL_INTERVAL = "DAGF_SCHEDULER_POLL_INTERVAL"
const SCHEDULER_BATCH_SIZE = "DAGF_SCHEDULER_BATCH_SIZE"

const DATABASE_TYPE_POSTGRES = "POSTGRES"
const DATABASE_TYPE_MYSQL = "MYSQL"
const DATABASE_TYPE_SQLLITE = "SQLLITE"

func GetSystemSettingInteger(settingKey string) int {
	val := GetSystemSettingString(settingKey)
	if val != "" {
		intValue, _ := strconv.Atoi(val)
		return intValue
	}
	return 0
}

func GetSystemSettingString(settingKey string) string {
	val := os.Getenv(settingKey)
	if val != "" {
		return val
	}
	if settingKey == ENGINE_POLL_INTERVAL {
		return "3s"
	}
	if settingKey == ENGINE_WORKER_COUNT {
		return "5"
	}
	if settingKey == ENGINE_QUEUE_SIZE {
		return "10"
	}
	if settingKey == ENGINE_BATCH_SIZE {
		return "5"
	}
	if settingKey == ENGINE_LOCK_TTL {
		return "60s"
	}
	if settingKey == ENGINE_HEARTBEAT_INTERVAL {
		return "15s"
	}
	if settingKey == ENGINE_RECOVERY_INTERVAL {
		return "30s"
	}
	if settingKey == SCHEDULER_POLL_INTERVAL {
		return "5s"
	}
	if settingKey == SCHEDULER_BATCH_SIZE {
		return "20"
	}
	if settingKey == DATABASE_SQLLITE_FILE_NAME {
		return "./dagforge.db"
	}
	return ""
}
