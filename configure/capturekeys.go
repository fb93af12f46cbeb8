package configure // 설정 관련 패키지

/*
	Every session name gets a random key. The API addresses sessions by key
	only, so names never appear in URLs. With redis_addr set the mapping
	lives in redis and is shared between instances; otherwise it is kept in
	a process-local cache.
*/
import (
	"github.com/kokoavailable/rfbreplay/utils/uid" // 랜덤 키 생성

	"github.com/go-redis/redis/v7"
	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

const keyLength = 48

type CaptureKeysType struct {
	redisCli   *redis.Client // 레디스 클라이언트
	localCache *cache.Cache  // 로컬 캐시
}

var CaptureKeys = &CaptureKeysType{
	localCache: cache.New(cache.NoExpiration, 0),
}

var saveInLocal = true // 초기 설정 True. 레디스 연결에 성공해야 false 가 된다.

func Init() {
	saveInLocal = len(Config.GetString("redis_addr")) == 0
	if saveInLocal {
		return
	} // 레디스 설정 확인한다.

	CaptureKeys.redisCli = redis.NewClient(&redis.Options{
		Addr:     Config.GetString("redis_addr"),
		Password: Config.GetString("redis_pwd"),
		DB:       0,
	})

	_, err := CaptureKeys.redisCli.Ping().Result()
	if err != nil {
		// 레디스에 닿지 않으면 로컬 캐시로 되돌아간다.
		log.Errorf("Redis: %v, keeping session keys in memory", err)
		CaptureKeys.redisCli.Close()
		CaptureKeys.redisCli = nil
		saveInLocal = true
		return
	}

	log.Info("Redis connected")
}

// 세션 이름에 랜덤 키를 설정한다. 양방향 매핑으로 서로를 찾을 수 있게한다.
// SetKey sets or resets a random key for name.
func (r *CaptureKeysType) SetKey(name string) (key string, err error) {
	if !saveInLocal { // 만약 레디스 온이라면
		for {
			// 쓰이지 않은 키를 찾을 때까지 반복한다.
			key = uid.RandStringRunes(keyLength)
			if _, err = r.redisCli.Get(key).Result(); err == redis.Nil {
				err = r.redisCli.Set(name, key, 0).Err()
				if err != nil {
					return
				}
				err = r.redisCli.Set(key, name, 0).Err()
				return
			} else if err != nil {
				return
			}
		}
	}

	// 로컬 캐시 사용시에도 비슷한 작업을 수행한다.
	for {
		key = uid.RandStringRunes(keyLength)
		if _, found := r.localCache.Get(key); !found {
			r.localCache.SetDefault(name, key)
			r.localCache.SetDefault(key, name)
			break
		}
	}
	return
}

// 세션 이름에 대한 키를 검색한다. 없으면 새로 만든다.
func (r *CaptureKeysType) GetKey(name string) (newKey string, err error) {
	if !saveInLocal { // 레디스 온
		if newKey, err = r.redisCli.Get(name).Result(); err == redis.Nil {
			// 없으면 이름을 전달해 키 생성
			newKey, err = r.SetKey(name)
			log.Debugf("[KEY] new session [%s]: %s", name, newKey)
			return
		}

		return
	}

	// 로컬 환경에선 캐시를 확인해 필요시 키를 만든다.
	var key interface{}
	var found bool
	if key, found = r.localCache.Get(name); found {
		return key.(string), nil
	}
	newKey, err = r.SetKey(name)
	log.Debugf("[KEY] new session [%s]: %s", name, newKey)
	return
}

// 키와 그 키에 묶인 세션 이름을 함께 삭제한다.
func (r *CaptureKeysType) DeleteKey(key string) bool {
	if !saveInLocal {
		name, err := r.redisCli.Get(key).Result()
		if err != nil {
			return false
		}
		return r.redisCli.Del(name, key).Err() == nil
	}

	name, ok := r.localCache.Get(key)
	if ok {
		r.localCache.Delete(name.(string))
		r.localCache.Delete(key)
		return true
	}
	return false
}
