// Package httpLayer 只做一件事: 给未通过认证的连接回一个
// 看起来像普通web服务器的http响应.
package httpLayer

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dronrider/xr-proxy/utils"
	"go.uber.org/zap"
)

// 符合 nginx返回的时间格式，且符合 golang对时间格式字符串的 "123456"的约定 的字符串。
const nginxTimeFormatStr = "02 Jan 2006 15:04:05 MST"

const defaultDecoyBody = "<!DOCTYPE html>\r\n<html>\r\n<head><title>Welcome</title></head>\r\n<body>\r\n<center><h1>It works!</h1></center>\r\n<p><center>The server is running.</center></p>\r\n<hr><center>nginx/1.21.5</center>\r\n</body>\r\n</html>\r\n"

var nginxTimezone = time.FixedZone("GMT", 0)

// Decoy 是预构建的http 200响应. 对探测流量原样回放, 每次只更新Date头.
type Decoy struct {
	template string
}

// NewDecoy 构建decoy响应. bodyFile非空时从文件读正文, 读不到就退回默认页.
func NewDecoy(bodyFile string) *Decoy {
	body := defaultDecoyBody
	if bodyFile != "" {
		if bs, err := os.ReadFile(bodyFile); err == nil {
			body = string(bs)
		} else {
			if ce := utils.CanLogWarn("read decoy body file failed, using default"); ce != nil {
				ce.Write(zap.String("file", bodyFile), zap.Error(err))
			}
		}
	}

	template := fmt.Sprintf("HTTP/1.1 200 OK\r\nServer: nginx/1.21.5\r\nDate: Sat, %s\r\nContent-Type: text/html\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		nginxTimeFormatStr, len(body), body)

	return &Decoy{template: template}
}

// Response 返回带当前时间的完整响应字节.
func (d *Decoy) Response() []byte {
	t := time.Now().UTC().In(nginxTimezone)

	str := strings.Replace(d.template, nginxTimeFormatStr, t.Format(nginxTimeFormatStr), 1)
	str = strings.Replace(str, "Sat", t.Weekday().String()[:3], 1)
	return []byte(str)
}
