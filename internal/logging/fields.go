package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// TaskFields 提供下载任务的标识字段，供下载队列日志复用。
func TaskFields(action, taskID, name, url string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"task_id": taskID,
		"name":    name,
		"url":     url,
	}
}

// ImageFields 提供图片缓存日志的 url/key/来源字段。
func ImageFields(action, url, key, source string) logrus.Fields {
	return logrus.Fields{
		"action": action,
		"url":    url,
		"key":    key,
		"source": source,
	}
}
