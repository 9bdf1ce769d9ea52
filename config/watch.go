package config

import (
	"os"

	"PartyFM/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
)

// Watch 监听 .env 文件变更，热更新可运行时调整的配置项（目前只有日志级别）。
// 返回停止函数；.env 不存在时退化为 no-op。
func Watch(path string) (func(), error) {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		return func() {}, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				values, err := godotenv.Read(path)
				if err != nil {
					logger.Warn("reload .env failed", logger.ErrorField(err))
					continue
				}
				if level, ok := values["LOG_LEVEL"]; ok {
					logger.SetLevel(logger.LogLevel(level))
					logger.Info("log level reloaded", logger.String("level", level))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", logger.ErrorField(err))
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
