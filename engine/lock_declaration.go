package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrLockFailed      = errors.New("lock failed")
	ErrLockWaitTimeout = errors.New("wait time out")
)

// EngineLock 审批实例级别的互斥锁
// 同一个实例的变更串行化,配合条件更新一起堵住并发审批导致的步骤双跳
type EngineLock interface {
	// NonBlockingSynchronized
	//  @Description:  1.非阻塞同步块,如果没有拿到锁，立刻返回错误
	//                 2.可以重入锁
	//  @param ctx 原来的ctx
	//  @param key 锁的key,引擎按工作流实例id生成
	//  @param maxLockTimeDuration 锁最大的持有时间
	//  @param f 具体执行函数的闭包
	//  @return error
	NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error
}
