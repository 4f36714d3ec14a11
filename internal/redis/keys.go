package redis

import "fmt"

const keyPrefix = "gns:"

// ScheduleSetKey is the sorted set of taskId -> next fire (epoch millis).
const ScheduleSetKey = keyPrefix + "scheduler:tasks"

func hourCounterKey(taskID string, bucket int64) string {
	return fmt.Sprintf("%slimit:task:%s:hour:%d", keyPrefix, taskID, bucket)
}

func dayCounterKey(taskID string, bucket int64) string {
	return fmt.Sprintf("%slimit:task:%s:day:%d", keyPrefix, taskID, bucket)
}

func wechatTokenKey(corpID string) string {
	return keyPrefix + "wechat:token:" + corpID
}

func idempotencyKey(caller, key string) string {
	return fmt.Sprintf("%sidempotency:%s:%s", keyPrefix, caller, key)
}

func apiRateLimitKey(key string) string {
	return keyPrefix + "ratelimit:" + key
}
