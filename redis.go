package main

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gomodule/redigo/redis"
	log "github.com/sirupsen/logrus"
)

type failedTile struct {
	X   uint32 `json:"x"`
	Y   uint32 `json:"y"`
	Z   uint32 `json:"z"`
	Src string `json:"src"`
}

// tracker持久化运行进度与失败瓦片列表
// tracker keeps per-run progress and failed-tile lists in redis so an
// interrupted run can be inspected or resumed. When redis is disabled
// every method is a cheap no-op; callers never check the flag.
type tracker struct {
	pool  *redis.Pool
	runID string
}

func newTracker(conf *Conf, runID string) *tracker {
	t := &tracker{runID: runID}
	if !conf.Redis.Enable {
		return t
	}
	addr := conf.Redis.Addr
	t.pool = &redis.Pool{
		MaxIdle:     16,
		MaxActive:   32,
		IdleTimeout: 120,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr)
		},
	}
	return t
}

func (t *tracker) closeConn(conn redis.Conn) {
	if err := conn.Close(); err != nil {
		log.Errorf("redis connection close failure")
	}
}

// saveCursor records the last fully written (zoom, column) pair.
func (t *tracker) saveCursor(zoom, col int) {
	if t.pool == nil {
		return
	}
	conn := t.pool.Get()
	defer t.closeConn(conn)
	replay, err := redis.Int64(conn.Do("set", "cursor:"+t.runID, strconv.Itoa(zoom)+":"+strconv.Itoa(col)))
	if err != nil && replay < 0 {
		log.Errorf("redis save cursor failure")
	}
}

func (t *tracker) cursor() (int, int) {
	if t.pool == nil {
		return -1, -1
	}
	conn := t.pool.Get()
	defer t.closeConn(conn)
	replay, err := redis.String(conn.Do("get", "cursor:"+t.runID))
	if err != nil {
		return -1, -1
	}
	cursor := strings.Split(replay, ":")
	if len(cursor) != 2 {
		return -1, -1
	}
	zoom, err := strconv.ParseInt(cursor[0], 10, 64)
	if err != nil {
		return -1, -1
	}
	col, err := strconv.ParseInt(cursor[1], 10, 64)
	if err != nil {
		return -1, -1
	}
	return int(zoom), int(col)
}

func (t *tracker) tileFailed(c TileCoord, src string) {
	if t.pool == nil {
		return
	}
	conn := t.pool.Get()
	defer t.closeConn(conn)
	ft := failedTile{X: c.X, Y: c.Y, Z: c.Z, Src: src}
	key := "tile_" + strconv.Itoa(int(c.X)) + "_" + strconv.Itoa(int(c.Y)) + "_" + strconv.Itoa(int(c.Z))
	val, _ := json.Marshal(ft)
	replay, err := redis.Int64(conn.Do("hset", "fail_list:"+t.runID, key, val))
	if err != nil && replay < 0 {
		log.Errorf("redis save tile failure")
	}
}

func (t *tracker) failedTiles() []failedTile {
	if t.pool == nil {
		return nil
	}
	conn := t.pool.Get()
	defer t.closeConn(conn)
	alls, err := redis.StringMap(conn.Do("hgetall", "fail_list:"+t.runID))
	if err != nil {
		return nil
	}
	var out []failedTile
	for kv := range alls {
		var ft failedTile
		if err = json.Unmarshal([]byte(alls[kv]), &ft); err != nil {
			continue
		}
		out = append(out, ft)
	}
	return out
}

// clean drops all keys for this run after a successful finish.
func (t *tracker) clean() {
	if t.pool == nil {
		return
	}
	conn := t.pool.Get()
	defer t.closeConn(conn)
	_, _ = redis.String(conn.Do("del", "cursor:"+t.runID))
	_, _ = redis.String(conn.Do("del", "fail_list:"+t.runID))
}

func (t *tracker) close() {
	if t.pool == nil {
		return
	}
	_ = t.pool.Close()
}
