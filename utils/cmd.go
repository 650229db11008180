package utils

import (
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

func ExecCmd(cmdStr string) (err error) {
	if ce := CanLogDebug("run cmd"); ce != nil {
		ce.Write(zap.String("cmd", cmdStr))
	}

	strs := strings.Split(cmdStr, " ")

	cmd1 := exec.Command(strs[0], strs[1:]...)
	if err = cmd1.Run(); err != nil {
		if ce := CanLogDebug("run cmd failed"); ce != nil {
			ce.Write(zap.String("cmd", cmdStr), zap.Error(err))
		}
	}

	return
}

// 与 ExecCmd 类似, 但将 input 通过 stdin 喂给命令. nft -f - 要用.
func ExecCmdStdin(input string, bin string, args ...string) (err error) {
	if ce := CanLogDebug("run cmd with stdin"); ce != nil {
		ce.Write(zap.String("bin", bin), zap.Strings("args", args))
	}

	cmd1 := exec.Command(bin, args...)
	cmd1.Stdin = strings.NewReader(input)
	if err = cmd1.Run(); err != nil {
		if ce := CanLogDebug("run cmd failed"); ce != nil {
			ce.Write(zap.String("bin", bin), zap.Error(err))
		}
	}
	return
}
